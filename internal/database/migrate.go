package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned up script
type Migration struct {
	Version int64
	File    string
}

// ListMigrations returns the *.up.sql files in dir ordered by version.
// Files without a numeric version prefix are skipped.
func ListMigrations(dir string, logger *slog.Logger) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		// "000001" from "000001_read_receipts.up.sql"
		prefix, _, _ := strings.Cut(entry.Name(), "_")
		version, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			logger.Warn("skipping migration file with invalid version format", "file", entry.Name())
			continue
		}
		migrations = append(migrations, Migration{Version: version, File: entry.Name()})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s",
				migrations[i].Version, migrations[i-1].File, migrations[i].File)
		}
	}
	return migrations, nil
}

// EnsureSchema applies all pending migrations in the migrations directory.
// It creates a schema_migrations table to track applied versions.
func EnsureSchema(ctx context.Context, db *DB, migrationsDir string, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := ListMigrations(migrationsDir, logger)
	if err != nil {
		return err
	}
	logger.Info("found migration files", "dir", migrationsDir, "count", len(migrations))

	for _, m := range migrations {
		var applied bool
		err = db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration version %d: %w", m.Version, err)
		}
		if applied {
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsDir, m.File))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", m.File, err)
		}

		logger.Info("applying migration", "file", m.File, "version", m.Version)
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("execute migration %s: %w", m.File, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("record migration %s: %w", m.File, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.File, err)
		}
	}

	return nil
}
