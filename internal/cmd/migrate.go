package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adlence-ai/adlence/internal/ledger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [config-file]",
		Short: "Create or upgrade the ledger schema and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, os.Stderr)

			// Opening a store applies any pending migrations.
			db, err := ledger.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := db.Ping(cmd.Context()); err != nil {
				_ = db.Close()
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("ledger schema is up to date", "driver", cfg.Storage.Driver)
			return db.Close()
		},
	}
}
