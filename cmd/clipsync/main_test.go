package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/clipsync/client"
	"github.com/gaspardpetit/clipsync/internal/config"
	"github.com/gaspardpetit/clipsync/internal/identity"
	"github.com/gaspardpetit/clipsync/internal/relay"
	"github.com/gaspardpetit/clipsync/internal/session"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-dir", ""))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestIDCommand(t *testing.T) {
	out := execute(t, "id", "alice")
	require.Equal(t, strconv.FormatUint(identity.Hash63("alice"), 10)+"\n", out)
}

func TestVersionCommand(t *testing.T) {
	require.Equal(t, "dev\n", execute(t, "version", "--short"))
	require.True(t, strings.HasPrefix(execute(t, "version"), "clipsync version=dev"))
}

func TestServePublishesStdinLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := relay.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	cc := config.Defaults()
	cc.ConfigFile = ""
	cc.Server = r.Addr()
	cc.Account, cc.Secret, cc.Device = "alice", "s3cret", "laptop"

	// The reader blocks until the peer is listening.
	lines := make(chan string, 1)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cc, &chanReader{lines: lines}, func(context.Context, *client.Client) { close(ready) })
	}()

	peer := client.New(client.Config{Session: session.Config{
		Address: r.Addr(),
		Credentials: session.Credentials{
			UserID:   identity.Hash63("alice"),
			DeviceID: identity.Hash63("phone"),
			Secret:   identity.Hash63("s3cret"),
		},
	}, AutoSync: true})
	defer func() { _ = peer.Close() }()
	go func() { _ = peer.Run(ctx) }()
	events, stop := peer.Subscribe(8)
	defer stop()
	require.Eventually(t, func() bool { return r.Connections() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return peer.Session().State() == session.StateReady }, 2*time.Second, time.Millisecond)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("client never authenticated")
	}
	lines <- "copied text\n"
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == client.EventSynced {
				require.Equal(t, "copied text", string(ev.Payload))
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("line was not synced to the other device")
		}
	}
}

type chanReader struct {
	lines chan string
	buf   []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		r.buf = []byte(<-r.lines)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
