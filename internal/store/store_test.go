package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authority.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "database file was not created")
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1"}))
	require.NoError(t, s.Close())

	for i := 0; i < 2; i++ {
		s, err = Open(path)
		require.NoError(t, err, "reopen %d", i)
		got, err := s.GetRecord(ctx, "deal", "1")
		require.NoError(t, err)
		assert.Equal(t, record.Object{"id": "1"}, got.Value)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1"}))
	kinds, err := s.Kinds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"deal"}, kinds)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	_ = s.Close()
}

func TestPragmas(t *testing.T) {
	s := openTestStore(t)

	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, value := range want {
		got, err := s.pragma(name)
		require.NoError(t, err)
		assert.Equal(t, value, got, name)
	}
}

func TestSchema_Columns(t *testing.T) {
	s := openTestStore(t)

	assert.ElementsMatch(t, []string{"kind", "id", "value", "version"}, tableColumns(t, s.db, "records"))
	assert.ElementsMatch(t, []string{"seq", "kind", "entity_id", "version", "diff", "origin"}, tableColumns(t, s.db, "packets"))
}

func TestSchema_Constraints(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO packets (kind, entity_id, version, diff, origin) VALUES ('deal', 'ghost', 1, '[]', 'push')`)
	assert.Error(t, err, "packet without a record must violate the foreign key")

	_, err = s.db.Exec(`INSERT INTO records (kind, id, value, version) VALUES ('deal', '1', '{}', 1)`)
	require.NoError(t, err)
	insert := `INSERT INTO packets (kind, entity_id, version, diff, origin) VALUES ('deal', '1', 1, '[]', 'push')`
	_, err = s.db.Exec(insert)
	require.NoError(t, err)
	_, err = s.db.Exec(insert)
	assert.Error(t, err, "a version is committed once per entity")
}

func TestMigrate_FreshDatabase(t *testing.T) {
	s := openTestStore(t)

	v, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Contains(t, tableIndexes(t, s.db, "packets"), "idx_packets_kind_seq")
}

func TestMigrate_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// A v0 database: tables without the later indexes.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	require.NotContains(t, tableIndexes(t, db, "packets"), "idx_packets_kind_seq")
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Contains(t, tableIndexes(t, s.db, "packets"), "idx_packets_kind_seq")
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()
	return scanNames(t, rows)
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", table)
	require.NoError(t, err)
	defer rows.Close()
	return scanNames(t, rows)
}

func scanNames(t *testing.T, rows *sql.Rows) []string {
	t.Helper()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}
