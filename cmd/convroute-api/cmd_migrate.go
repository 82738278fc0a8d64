package main

import (
	"errors"

	"convroute/internal/config"
	"convroute/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return errors.New("migrate: store.driver is not postgres")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			return db.Migrate(cmd.Context(), cfg.Database.URL, log)
		},
	}
}
