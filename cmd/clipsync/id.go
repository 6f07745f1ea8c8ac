package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/clipsync/internal/identity"
	"github.com/gaspardpetit/clipsync/internal/status"
)

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id <phrase>",
		Short: "Print the numeric id a phrase maps to",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), identity.Hash63(args[0]))
		},
	}
}

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := status.GetVersionInfo()
			out := cmd.OutOrStdout()
			if short {
				_, _ = fmt.Fprintln(out, v.Version)
				return
			}
			_, _ = fmt.Fprintf(out, "clipsync version=%s sha=%s date=%s go=%s %s/%s\n",
				v.Version, v.BuildSHA, v.BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}
