package main

import (
	"github.com/spf13/cobra"

	"github.com/kallelund/boretun/internal/obs"
)

func newRootCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:           "tunnel",
		Short:         "expose a local TCP service through a public tunnel server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obs.EnableDebug(debug)
		},
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")

	cmd.AddCommand(newLocalCommand())
	cmd.AddCommand(newServerCommand())
	return cmd
}
