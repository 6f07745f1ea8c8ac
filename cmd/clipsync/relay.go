package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/clipsync/internal/discovery"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/relay"
)

func relayCmd() *cobra.Command {
	var (
		addr      string
		advertise bool
		instance  string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development relay that forwards content between devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := relay.Listen(addr)
			if err != nil {
				return err
			}
			if advertise {
				a, err := discovery.Advertise(instance, s.Port())
				if err != nil {
					logx.Log.Warn().Err(err).Msg("mdns advertise failed")
				} else {
					defer a.Shutdown()
				}
			}
			return s.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", ":4242", "relay listen address")
	cmd.Flags().BoolVar(&advertise, "advertise", true, "advertise the relay over mDNS")
	cmd.Flags().StringVar(&instance, "instance", "clipsync", "mDNS instance name")
	return cmd
}
