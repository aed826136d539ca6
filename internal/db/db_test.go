package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docqa/internal/config"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements(`
-- header comment
CREATE TABLE a (id INT);

CREATE INDEX idx_a ON a (id);
  -- trailing
`)
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX idx_a ON a (id)"}, got)
	require.Empty(t, splitStatements(" ; \n;"))
}

func TestBuildDSN(t *testing.T) {
	require.Equal(t, "postgres://x", buildDSN(config.DatabaseConfig{DSN: "postgres://x", Host: "ignored"}))
	require.Equal(t,
		"host=db port=5432 user=u password=p dbname=docqa sslmode=disable",
		buildDSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "docqa"}))
	require.Contains(t, buildDSN(config.DatabaseConfig{Host: "db", SSLMode: "require"}), "sslmode=require")
}

func TestMigrationFilesSorted(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	require.Equal(t, "001_init.sql", files[0])
}
