package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd creates the "colloquyd" root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "colloquyd",
		Short:         "Multi-agent conversation coordination daemon",
		Long:          "colloquyd hosts shared conversation logs, turn guidance and agent\nexecution loops behind a WebSocket API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}
