package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd creates the root command; without a subcommand it serves
func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "convroute-api",
		Short:         "Conversation routing service",
		Long:          "convroute-api assigns customer conversations to agents and tracks\nthe assignment lifecycle over HTTP and WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $CONVROUTE_CONFIG)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newOverdueCmd(&configPath),
		newReconcileCmd(&configPath),
		newPurgeCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return cmd
}
