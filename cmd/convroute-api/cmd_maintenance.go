package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"convroute/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newOverdueCmd creates the "convroute-api overdue" subcommand
func newOverdueCmd(configPath *string) *cobra.Command {
	var (
		timeout  int
		escalate bool
	)
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List active assignments nobody has answered in time",
		Long:  "Lists active assignments without a first response older than the\ntimeout. With --escalate each row goes through its team's escalation policy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(cfg config.Config, svc *services, log *zap.Logger) error {
				if timeout == 0 {
					timeout = cfg.Sweeper.TimeoutMinutes
				}
				res, err := svc.sweeper.Sweep(cmd.Context(), timeout, escalate)
				if err != nil {
					return fmt.Errorf("overdue: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&timeout, "timeout", 0, "minutes without a response (default sweeper.timeout_minutes)")
	cmd.Flags().BoolVar(&escalate, "escalate", false, "auto-escalate overdue rows")
	return cmd
}

// newReconcileCmd creates the "convroute-api reconcile" subcommand
func newReconcileCmd(configPath *string) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare agent chat counters with active assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(cfg config.Config, svc *services, log *zap.Logger) error {
				drift, err := svc.ledger.ReconcileChatCounts(cmd.Context(), repair)
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				orphans, err := svc.ledger.FindOrphanedHandoffs(cmd.Context())
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"drift":    drift,
					"repaired": repair,
					"orphans":  orphans,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite drifted counters")
	return cmd
}

// newPurgeCmd creates the "convroute-api purge" subcommand
func newPurgeCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed assignments older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("purge: --older-than must be positive")
			}
			return withEngine(cmd.Context(), *configPath, func(cfg config.Config, svc *services, log *zap.Logger) error {
				n, err := svc.ledger.Purge(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return fmt.Errorf("purge: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d assignments\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "retention window")
	return cmd
}
