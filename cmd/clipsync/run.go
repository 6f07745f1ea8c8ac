package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/clipsync/client"
	"github.com/gaspardpetit/clipsync/internal/clipboard"
	"github.com/gaspardpetit/clipsync/internal/config"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/status"
)

func runCmd(cfg *config.ClientConfig) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and keep the clipboard in sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var in io.Reader
			if fromStdin {
				in = cmd.InOrStdin()
			}
			return serve(ctx, *cfg, in, nil)
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "publish each line read from stdin as text clipboard content")
	return cmd
}

func publishCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <text>",
		Short: "Announce text and serve it to other devices until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			text := args[0]
			return serve(ctx, *cfg, nil, func(ctx context.Context, c *client.Client) {
				id, err := c.Publish(ctx, text, []string{clipboard.TypeText})
				if err != nil {
					logx.Log.Error().Err(err).Msg("publish failed")
					return
				}
				logx.Log.Info().Uint64("content_id", id).Msg("published")
			})
		},
	}
}

// serve runs a client until ctx ends. Lines from in, when set, are
// published as they arrive. ready runs once the client first authenticates.
func serve(ctx context.Context, cc config.ClientConfig, in io.Reader, ready func(context.Context, *client.Client)) error {
	c, err := client.FromConfig(ctx, cc)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if cc.StatusAddr != "" {
		if _, err := status.Start(ctx, cc.StatusAddr, c, status.Options{AllowedOrigins: cc.StatusOrigins}); err != nil {
			return err
		}
	}

	events, unsubscribe := c.Subscribe(32)
	defer unsubscribe()
	go logEvents(events)

	if ready != nil {
		go waitReady(ctx, c, ready)
	}
	if in != nil {
		go publishLines(ctx, c, in)
	}

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logEvents(events <-chan client.Event) {
	for ev := range events {
		l := logx.Log.Info().Str("event", string(ev.Kind)).Uint64("content_id", ev.ContentID).Str("description", ev.Description)
		if ev.Kind == client.EventSynced {
			l = l.Int("bytes", len(ev.Payload))
		}
		l.Msg("clipboard")
	}
}

func waitReady(ctx context.Context, c *client.Client, ready func(context.Context, *client.Client)) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if c.Session().Token() != 0 {
			ready(ctx, c)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func publishLines(ctx context.Context, c *client.Client, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if _, _, err := c.ClipboardChanged(ctx, clipboard.TextSnapshot(line)); err != nil {
			logx.Log.Warn().Err(err).Msg("publish failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}
