package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/xxxsen/docqa/internal/config"
	"github.com/xxxsen/docqa/internal/db"
)

// OpenTestDB connects to the postgres instance named by TEST_DB_HOST and
// skips the test when it is unset. Tables are truncated before returning.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(context.Background(), config.DatabaseConfig{
		Host:     host,
		Port:     5432,
		User:     "docqa",
		Password: "docqa_pass",
		DBName:   "docqa_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(context.Background(), conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := conn.Exec("TRUNCATE fragments, source_files, embedding_cache"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
	}
}
