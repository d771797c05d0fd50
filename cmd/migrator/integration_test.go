//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"atlasux/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres tests migrations with real PostgreSQL
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	logs := []string{}
	logf := func(format string, args ...any) { logs = append(logs, format) }
	if err := runMigrations(ctx, pool, migrations.FS, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	for _, table := range []string{"tenants", "intents", "audit_log", "kb_documents", "kb_chunks"} {
		var exists bool
		err := pool.QueryRow(ctx, "SELECT to_regclass('public.' || $1) IS NOT NULL", table).Scan(&exists)
		if err != nil || !exists {
			t.Fatalf("table %s missing: exists=%v err=%v", table, exists, err)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM schema_migrations").Scan(&count); err != nil || count != 3 {
		t.Fatalf("expected 3 recorded migrations, got %d err=%v", count, err)
	}

	// Extra files in an override directory apply after the embedded set.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0004_extra.sql"), []byte("CREATE TABLE extra_table (id SERIAL PRIMARY KEY);"), 0o644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}
	if err := runMigrations(ctx, pool, os.DirFS(dir), logf); err != nil {
		t.Fatalf("override runMigrations failed: %v", err)
	}
	if _, err := pool.Exec(ctx, "INSERT INTO extra_table DEFAULT VALUES"); err != nil {
		t.Fatalf("extra_table not created: %v", err)
	}

	// Second run skips everything.
	logs = nil
	if err := runMigrations(ctx, pool, migrations.FS, logf); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected only the summary log on rerun, got %v", logs)
	}
}
