package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/migrations"
	"github.com/zifox666/xiaobawang/internal/repository/postgres"
	"github.com/zifox666/xiaobawang/internal/subscription"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded subscription schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, flushLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer flushLog()

			db, err := postgres.Open(cmd.Context(), cfg.Postgres, log)
			if err != nil {
				return err
			}
			defer db.Close()

			return migrations.Run(db, true, log)
		},
	}
}

func newMigrateLegacyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Convert legacy high-value and single-target subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, flushLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer flushLog()

			db, err := postgres.Open(cmd.Context(), cfg.Postgres, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.Run(db, cfg.Postgres.AutoMigrate, log); err != nil {
				return err
			}

			repo := postgres.NewSubscriptionRepository(db, log)
			report, err := subscription.MigrateLegacy(cmd.Context(), repo, repo, log)
			if err != nil {
				return fmt.Errorf("legacy migration failed: %w", err)
			}

			log.Info("Legacy migration finished",
				zap.Int("high_value_success", report.HighValue.Success),
				zap.Int("high_value_failed", report.HighValue.Failed),
				zap.Int("condition_success", report.Condition.Success),
				zap.Int("condition_failed", report.Condition.Failed))
			return nil
		},
	}
}
