package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestMigrateUp(t *testing.T) {
	ctx := context.Background()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if applied == 0 {
		t.Error("expected at least one migration to be applied")
	}

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	maxVersion := 0
	for _, migration := range migrations {
		if migration.Version > maxVersion {
			maxVersion = migration.Version
		}
	}
	if version != maxVersion {
		t.Errorf("expected version %d, got %d", maxVersion, version)
	}

	// Run again - should be idempotent
	applied, err = database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected 0 migrations on second run, got %d", applied)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()

	database := setupTestDB(t)
	defer database.Close()

	boom := errors.New("boom")
	err := database.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO loops (id, name, repo_path, state, created_at, updated_at) VALUES ('tx-1', 'tx-loop', '/tmp/tx', 'stopped', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')",
		); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped callback error, got %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM loops WHERE id = 'tx-1'").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rolled back insert, found %d rows", count)
	}
}

func TestHealthCheck(t *testing.T) {
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	if err := database.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy database, got %v", err)
	}

	database.Close()
	if err := database.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected health check failure after close")
	}
}
