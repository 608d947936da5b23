package main

import (
	"errors"
	"log"

	"github.com/spf13/cobra"

	"github.com/thelinks/realtime/internal/config"
	"github.com/thelinks/realtime/internal/eventlog"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the event log schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			up := args[0] == "up"
			if err := eventlog.Migrate(cfg.DatabaseURL, up); err != nil {
				return err
			}
			log.Printf("migrate: %s complete", args[0])
			return nil
		},
	}
}
