package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/clipsync/internal/config"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	status.SetBuildInfo(version, buildSHA, buildDate)
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Defaults()
	var logCloser io.Closer

	root := &cobra.Command{
		Use:           "clipsync",
		Short:         "Share clipboard content between the devices of an account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Load(cmd.Flags()); err != nil {
				return err
			}
			logCloser = logx.ConfigureWith(logx.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		runCmd(&cfg),
		publishCmd(&cfg),
		relayCmd(),
		idCmd(),
		versionCmd(),
	)
	return root
}
