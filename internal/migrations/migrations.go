// Package migrations embeds the Postgres schema for subscriptions.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed *.sql
var MigrationFiles embed.FS

// Run applies all pending migrations against db. With apply false it only
// reports the current version.
func Run(db *sql.DB, apply bool, log *zap.Logger) error {
	sourceDriver, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		// Every migration is idempotent, so re-running from the dirty version is safe.
		log.Warn("Database is in dirty state, forcing previous version", zap.Uint("version", version))
		previous := int(version) - 1
		if previous < 1 {
			previous = database.NilVersion
		}
		if err := m.Force(previous); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
	}

	if !apply {
		log.Info("Auto-migration disabled, skipping migrations",
			zap.Uint("current_version", version),
			zap.Bool("dirty", dirty))
		return nil
	}

	log.Info("Running database migrations", zap.Uint("current_version", version))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Database schema is up to date", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated migration version: %w", err)
	}

	log.Info("Database migrations completed",
		zap.Uint("from_version", version),
		zap.Uint("to_version", newVersion))
	return nil
}
