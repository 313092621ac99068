package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration represents a single database migration.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
}

// migrationFilePattern matches migration filenames like "001_initial_schema.up.sql"
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.up\.sql$`)

// loadMigrations reads all migrations from the embedded filesystem.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}

		version, _ := strconv.Atoi(matches[1])
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(matches[2], "_", " "),
			UpSQL:       string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// MigrateUp applies all pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return 0, err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	currentVersion, err := db.getCurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := db.applyMigrationTx(ctx, m); err != nil {
			return applied, fmt.Errorf("migration %d failed: %w", m.Version, err)
		}

		db.logger.Info().
			Int("version", m.Version).
			Str("description", m.Description).
			Msg("applied migration")
		applied++
	}

	return applied, nil
}

func (db *DB) ensureSchemaVersionTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

func (db *DB) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// applyMigrationTx runs the migration SQL and the schema_version insert in
// one transaction so a failed migration leaves no trace.
func (db *DB) applyMigrationTx(ctx context.Context, m Migration) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC().Format(time.RFC3339))
		return err
	})
}
