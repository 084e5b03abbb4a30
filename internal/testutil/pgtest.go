// Package testutil provides the shared postgres test harness.
package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// tables truncated between tests, dependents first.
var tables = []string{
	"refund_requests",
	"transaction_events",
	"transactions",
	"offer_events",
	"offers",
}

// PGTest opens the database named by POSTGRES_URL, migrates it, and
// registers a cleanup that truncates every ledger table. Tests calling
// it are skipped when POSTGRES_URL is unset so the suite stays green
// without a database.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set, skipping postgres test")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	dir, err := findMigrations()
	if err != nil {
		t.Fatalf("locate migrations: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("set goose dialect: %v", err)
	}
	if err := goose.Up(db, dir); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range tables {
			if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
				t.Logf("truncate %s: %v", table, err)
			}
		}
		db.Close()
	})
	return db
}

// findMigrations walks up from the working directory to the repository
// root's migrations/ directory.
func findMigrations() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no migrations directory above %s", dir)
		}
		dir = parent
	}
}
