package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/clipsync/internal/wire"
)

type client struct {
	t     *testing.T
	nc    net.Conn
	token uint64
}

func start(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	return s
}

func dial(t *testing.T, s *Server, user, device uint64) *client {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	c := &client{t: t, nc: nc}
	c.send(wire.AuthenticateRequest{UserID: user, DeviceID: device, Secret: 1}, "")
	var resp wire.AuthenticateResponse
	c.recv(wire.KindAuthenticateResponse, &resp)
	require.True(t, resp.Accepted())
	require.NotNil(t, resp.Message)
	require.Equal(t, wire.AuthAccepted, *resp.Message)
	c.token = resp.Token
	return c
}

func (c *client) send(m wire.Outbound, raw string) {
	c.t.Helper()
	b, err := wire.EncodeMessage(m)
	require.NoError(c.t, err)
	_, err = c.nc.Write(append(b, raw...))
	require.NoError(c.t, err)
}

func (c *client) recv(kind wire.Kind, v any) {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := wire.ReadFrame(c.nc)
	require.NoError(c.t, err)
	msg, err := wire.Parse(b)
	require.NoError(c.t, err)
	require.Equal(c.t, kind, msg.Kind)
	require.NoError(c.t, msg.Decode(v))
}

func (c *client) raw(n int) string {
	c.t.Helper()
	b, err := wire.ReadRaw(c.nc, n)
	require.NoError(c.t, err)
	return string(b)
}

func (c *client) silent() {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := wire.ReadFrame(c.nc)
	var ne net.Error
	require.ErrorAs(c.t, err, &ne)
	require.True(c.t, ne.Timeout())
}

func TestNotifyAndSyncThroughHolder(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	b := dial(t, s, 1, 20)
	other := dial(t, s, 2, 30)
	require.Eventually(t, func() bool { return s.Connections() == 3 }, time.Second, time.Millisecond)

	a.send(wire.NotifyAvailableRequest{Token: a.token, DatasetID: 1, ContentID: 42, ContentType: []string{"text/plain"}, Description: "hello"}, "")
	var n wire.NotifyAvailableRequest
	b.recv(wire.KindNotifyAvailableRequest, &n)
	require.Equal(t, uint64(42), n.ContentID)
	require.Equal(t, "hello", n.Description)
	other.silent()
	a.silent()

	b.send(wire.SyncRequest{Token: b.token, ContentID: 42, DatasetID: 1}, "")
	var fwd wire.SyncRequest
	a.recv(wire.KindSyncRequest, &fwd)
	require.Equal(t, uint64(42), fwd.ContentID)

	a.send(wire.SyncResponse{Token: a.token, ContentID: 42, ContentSize: 5, DatasetID: 1, Message: wire.SyncHit}, "hello")
	var resp wire.SyncResponse
	b.recv(wire.KindSyncResponse, &resp)
	require.True(t, resp.Hit())
	require.Equal(t, "hello", b.raw(int(resp.ContentSize)))

	// Second pull is served by the relay itself.
	b.send(wire.SyncRequest{Token: b.token, ContentID: 42, DatasetID: 1}, "")
	b.recv(wire.KindSyncResponse, &resp)
	require.True(t, resp.Hit())
	require.Equal(t, "hello", b.raw(int(resp.ContentSize)))
	a.silent()
}

func TestSyncMisses(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	b := dial(t, s, 1, 20)

	var resp wire.SyncResponse
	b.send(wire.SyncRequest{Token: b.token, ContentID: 404, DatasetID: 1}, "")
	b.recv(wire.KindSyncResponse, &resp)
	require.False(t, resp.Hit())
	require.Equal(t, uint64(404), resp.ContentID)

	// Holder gone: nobody can answer.
	a.send(wire.NotifyAvailableRequest{Token: a.token, DatasetID: 1, ContentID: 7, Description: "x"}, "")
	var n wire.NotifyAvailableRequest
	b.recv(wire.KindNotifyAvailableRequest, &n)
	require.True(t, s.Disconnect(10))
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, time.Millisecond)

	b.send(wire.SyncRequest{Token: b.token, ContentID: 7, DatasetID: 1}, "")
	b.recv(wire.KindSyncResponse, &resp)
	require.False(t, resp.Hit())

	// Unknown token.
	b.send(wire.SyncRequest{Token: 12345, ContentID: 7, DatasetID: 1}, "")
	b.recv(wire.KindSyncResponse, &resp)
	require.False(t, resp.Hit())
}

func TestHolderMissIsForwarded(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	b := dial(t, s, 1, 20)

	a.send(wire.NotifyAvailableRequest{Token: a.token, DatasetID: 1, ContentID: 5, Description: "gone"}, "")
	var n wire.NotifyAvailableRequest
	b.recv(wire.KindNotifyAvailableRequest, &n)

	b.send(wire.SyncRequest{Token: b.token, ContentID: 5, DatasetID: 1}, "")
	var fwd wire.SyncRequest
	a.recv(wire.KindSyncRequest, &fwd)
	a.send(wire.SyncResponse{Token: a.token, ContentID: 5, DatasetID: 1, Message: wire.SyncMiss}, "")

	var resp wire.SyncResponse
	b.recv(wire.KindSyncResponse, &resp)
	require.False(t, resp.Hit())
	require.Zero(t, resp.ContentSize)
}

func TestRefreshIndex(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	a.send(wire.NotifyAvailableRequest{Token: a.token, DatasetID: 1, ContentID: 3, ContentType: []string{"text/plain"}, Description: "three"}, "")
	a.send(wire.RefreshIndexRequest{Token: a.token, DatasetID: 1}, "")
	var idx wire.RefreshIndexResponse
	a.recv(wire.KindRefreshIndexResponse, &idx)
	require.Equal(t, uint16(1), idx.Message)
	require.Equal(t, []wire.IndexEntry{{ID: 3, ContentType: []string{"text/plain"}, Description: "three"}}, idx.Contents)

	a.send(wire.RefreshIndexRequest{Token: 999, DatasetID: 1}, "")
	a.recv(wire.KindRefreshIndexResponse, &idx)
	require.Zero(t, idx.Message)
}

func TestCloseDropsClients(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	require.NoError(t, s.Close())
	_ = a.nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err := wire.ReadFrame(a.nc)
	require.Error(t, err)
}

func TestWaitersGetMissWhenHolderLeaves(t *testing.T) {
	s := start(t)
	a := dial(t, s, 1, 10)
	b := dial(t, s, 1, 20)

	a.send(wire.NotifyAvailableRequest{Token: a.token, DatasetID: 1, ContentID: 9, Description: "nine"}, "")
	var n wire.NotifyAvailableRequest
	b.recv(wire.KindNotifyAvailableRequest, &n)

	b.send(wire.SyncRequest{Token: b.token, ContentID: 9, DatasetID: 1}, "")
	var fwd wire.SyncRequest
	a.recv(wire.KindSyncRequest, &fwd)
	require.True(t, s.Disconnect(10))

	var resp wire.SyncResponse
	b.recv(wire.KindSyncResponse, &resp)
	require.False(t, resp.Hit())
	require.Equal(t, uint64(9), resp.ContentID)
}
