package main

import (
	"fmt"
	"time"

	"convroute/internal/config"
	"convroute/internal/model"

	"github.com/spf13/cobra"
)

// newTokenCmd creates the "convroute-api token" subcommand
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <agent-id>",
		Short: "Sign an access token for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			switch model.AgentRole(role) {
			case model.RoleAdmin, model.RoleSupervisor, model.RoleAgent, model.RoleViewer:
			default:
				return fmt.Errorf("token: unknown role %q", role)
			}
			tok, err := jwtConfig(cfg).Issue(args[0], model.AgentRole(role), ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.RoleAgent), "admin, supervisor, agent or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
