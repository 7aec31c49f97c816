package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:           "killfeed",
		Short:         "Kill event subscription and push service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(), newMigrateCommand(), newMigrateLegacyCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger shared by every command
func bootstrap() (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Service.Environment, cfg.Service.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	flushLog := func() {
		// stderr sync errors on terminals are expected
		_ = log.Sync()
	}
	return cfg, log, flushLog, nil
}
