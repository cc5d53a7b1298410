package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/threadline/threadline/internal/config"
)

// Migrator runs schema migrations from an embedded SQL source.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator connects to the database and prepares the migration source.
// migrationsFS must hold the .sql files at its root.
func NewMigrator(logger *slog.Logger, cfg config.PostgresConfig, migrationsFS fs.FS) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	m.Log = &migrateLogger{logger: logger}
	return &Migrator{m: m, logger: logger}, nil
}

// Close releases the source and database handles.
func (mg *Migrator) Close() {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil || dbErr != nil {
		mg.logger.Warn("migrate close",
			slog.Any("source_error", srcErr),
			slog.Any("db_error", dbErr),
		)
	}
}

// Up applies all pending migrations.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := mg.m.Version()
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	mg.logger.Info("schema up to date", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// Down rolls back all migrations.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	mg.logger.Info("schema rolled back")
	return nil
}

// Status logs the current schema version.
func (mg *Migrator) Status() error {
	version, dirty, err := mg.m.Version()
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	mg.logger.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// Force overwrites the recorded version without running migrations; used to
// recover from a dirty state after a failed migration.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("migrate force: %w", err)
	}
	mg.logger.Info("schema version forced", slog.Int("version", version))
	return nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info("migrate: " + strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (l *migrateLogger) Verbose() bool { return false }
