package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return false
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint
	Force               int
	AutoRollback        bool // force a dirty schema back to the version it started at
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

func (ms *MigrationService) resolveMigrationFolder() (string, error) {
	folder := ms.config.MigrationFolderPath
	if !filepath.IsAbs(folder) {
		wd, err := os.Getwd()
		if err == nil {
			if _, statErr := os.Stat(folder); statErr != nil {
				folder = filepath.Join(wd, folder)
			}
		}
	}
	if _, err := os.Stat(folder); err != nil {
		return "", pkgerrors.Wrapf(err, "migration folder %s does not exist", folder)
	}
	return folder, nil
}

// Migrate applies the migration folder to schema, creating the schema when needed.
// The migration runs on a dedicated connection whose search_path is the target schema.
func (ms *MigrationService) Migrate(ctx context.Context, db DB, schema string) error {
	folder, err := ms.resolveMigrationFolder()
	if err != nil {
		return err
	}

	logger := ms.logger.WithContext(ctx).WithField("schema", schema)

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}

	quoted := pq.QuoteIdentifier(schema)
	if _, err := conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	if _, err := conn.ExecContext(ctx, "SET search_path TO "+quoted); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set search_path to %s: %w", schema, err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{SchemaName: schema})
	if err != nil {
		_, _ = conn.ExecContext(context.Background(), "RESET search_path")
		_ = conn.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, "postgres", driver)
	if err != nil {
		_, _ = conn.ExecContext(context.Background(), "RESET search_path")
		_ = driver.Close()
		logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "RESET search_path")
		_, _ = m.Close()
	}()

	m.Log = MigrationLogger{Logger: logger}

	return ms.runMigration(m, logger)
}

func (ms *MigrationService) runMigration(m *migrate.Migrate, logger ectologger.Logger) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	startVersion, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.WithError(err).Warn("Failed to read current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		logger.Infof("Applied migrations in %v", time.Since(start))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug("No new migrations to apply")
		return nil
	}

	logger.WithError(err).Error("Migration failed")

	version, dirty, versionErr := m.Version()
	if versionErr != nil || !dirty || !ms.config.AutoRollback {
		return err
	}

	logger.Warnf("Schema is dirty at version %d. Forcing back to version %d", version, startVersion)
	target := int(startVersion)
	if startVersion == 0 {
		target = -1
	}
	if forceErr := m.Force(target); forceErr != nil {
		logger.WithError(forceErr).Errorf("Failed to force database to version %d", target)
	}

	return err
}
