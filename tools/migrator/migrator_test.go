package migrator

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/erpbridge/migrations"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// Every :memory: connection is its own database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

// usersFS is a small valid migration set with dependencies and a notransaction step
func usersFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_users.sql": file("-- +migrate Up\nCREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"),
		"002_add_email.sql":    file("-- +migrate Up\nALTER TABLE users ADD COLUMN email TEXT;"),
		"003_create_posts.sql": file("-- +migrate Up\n-- +migrate Depends: 001\n-- posts belong to users\nCREATE TABLE posts (\n  id INTEGER PRIMARY KEY,\n  user_id INTEGER NOT NULL REFERENCES users(id)\n);"),
		"004_create_index.sql": file("-- +migrate Up notransaction\nCREATE INDEX idx_users_email ON users(email);"),
		"005_add_status.sql":   file("-- +migrate Up\n-- +migrate Depends: 001 002\nALTER TABLE users ADD COLUMN status TEXT;"),
		"README.md":            file("not a migration"),
	}
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func getVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	version, err := GetCurrentVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	return version
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	m, err := ParseMigration("001_create_users.sql", []byte("-- +migrate Up\nCREATE TABLE users (id INTEGER);"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Name != "create_users" {
		t.Errorf("expected name 'create_users', got '%s'", m.Name)
	}
	if m.UpSQL != "CREATE TABLE users (id INTEGER);" {
		t.Errorf("unexpected UpSQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected NoTransaction to be false")
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", m.Dependencies)
	}
}

func TestParseMigration_Dependencies(t *testing.T) {
	content := "-- +migrate Up\n-- +migrate Depends: 001 002\n-- a comment\n\nALTER TABLE users ADD COLUMN status TEXT;"
	m, err := ParseMigration("005_add_status.sql", []byte(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.Dependencies) != 2 || m.Dependencies[0] != 1 || m.Dependencies[1] != 2 {
		t.Errorf("expected dependencies [1 2], got %v", m.Dependencies)
	}
	if !strings.HasPrefix(m.UpSQL, "ALTER TABLE") {
		t.Errorf("expected SQL to start after header comments, got %q", m.UpSQL)
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	m, err := ParseMigration("004_index.sql", []byte("-- +migrate Up notransaction\nCREATE INDEX i ON t(c);"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.NoTransaction {
		t.Error("expected NoTransaction to be true")
	}
}

func TestParseMigration_MultilineSQL(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (\n  id INTEGER\n);\n\nCREATE TABLE b (id INTEGER);\n"
	m, err := ParseMigration("001_multi.sql", []byte(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(m.UpSQL, "CREATE TABLE a") || !strings.Contains(m.UpSQL, "CREATE TABLE b") {
		t.Errorf("expected both statements, got %q", m.UpSQL)
	}
}

func TestParseMigration_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		contains string
	}{
		{"bad filename", "1_users.sql", "-- +migrate Up\nSELECT 1;", "invalid migration filename"},
		{"no name", "001.sql", "-- +migrate Up\nSELECT 1;", "invalid migration filename"},
		{"missing up marker", "001_a.sql", "CREATE TABLE a (id INTEGER);", "missing '-- +migrate Up'"},
		{"empty sql", "001_a.sql", "-- +migrate Up\n-- only comments\n", "no SQL statements"},
		{"empty depends", "002_a.sql", "-- +migrate Up\n-- +migrate Depends:\nSELECT 1;", "empty dependency list"},
		{"bad depends", "002_a.sql", "-- +migrate Up\n-- +migrate Depends: one\nSELECT 1;", "invalid dependency version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.contains)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected error containing %q, got %v", tt.contains, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations_Sorted(t *testing.T) {
	migrations, err := LoadMigrations(usersFS())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migrations) != 5 {
		t.Fatalf("expected 5 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		fsys     fstest.MapFS
		contains string
	}{
		{
			name: "gap",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"003_c.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			contains: "gap in migration versions",
		},
		{
			name: "duplicate",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"001_b.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			contains: "duplicate migration version",
		},
		{
			name: "cycle",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 002\nSELECT 1;"),
				"002_b.sql": file("-- +migrate Up\n-- +migrate Depends: 001\nSELECT 1;"),
			},
			contains: "circular dependency",
		},
		{
			name: "missing dependency",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 009\nSELECT 1;"),
			},
			contains: "non-existent version 9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fsys)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.contains)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected error containing %q, got %v", tt.contains, err)
			}
		})
	}
}

// =============================================================================
// Execution Tests
// =============================================================================

func TestRun_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	applied, err := Run(context.Background(), db, usersFS(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(applied) != 5 {
		t.Errorf("expected 5 applied migrations, got %v", applied)
	}
	if v := getVersion(t, db); v != 5 {
		t.Errorf("expected version 5, got %d", v)
	}
	for _, table := range []string{"schema_migrations", "users", "posts"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestRun_PartiallyMigrated(t *testing.T) {
	db := setupTestDB(t)

	mustExec(t, db, "CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)")
	mustExec(t, db, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	mustExec(t, db, "INSERT INTO schema_migrations (version) VALUES (1)")

	applied, err := Run(context.Background(), db, usersFS(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(applied) != 4 || applied[0] != 2 {
		t.Errorf("expected versions 2-5 to be applied, got %v", applied)
	}
}

func TestRun_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if _, err := Run(context.Background(), db, usersFS(), nil); err != nil {
		t.Fatalf("unexpected error on first run: %v", err)
	}

	applied, err := Run(context.Background(), db, usersFS(), nil)
	if err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied on second run, got %v", applied)
	}
}

func TestRun_FailedMigrationStops(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"001_good.sql": file("-- +migrate Up\nCREATE TABLE a (id INTEGER);"),
		"002_bad.sql":  file("-- +migrate Up\nINVALID SQL HERE;"),
		"003_good.sql": file("-- +migrate Up\nCREATE TABLE b (id INTEGER);"),
	}

	applied, err := Run(context.Background(), db, fsys, nil)
	if err == nil {
		t.Fatal("expected error for failed migration")
	}
	if len(applied) != 1 || applied[0] != 1 {
		t.Errorf("expected only version 1 applied, got %v", applied)
	}
	if v := getVersion(t, db); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
	if tableExists(t, db, "b") {
		t.Error("migration 3 should not be attempted")
	}
}

func TestRun_TransactionRollback(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"001_rollback.sql": file("-- +migrate Up\nCREATE TABLE test (id INTEGER);\nINVALID SQL;"),
	}

	if _, err := Run(context.Background(), db, fsys, nil); err == nil {
		t.Fatal("expected error")
	}
	if tableExists(t, db, "test") {
		t.Error("table should not exist after rollback")
	}
	if v := getVersion(t, db); v != 0 {
		t.Errorf("expected version 0, got %d", v)
	}
}

func TestRun_RefusesOutOfOrder(t *testing.T) {
	db := setupTestDB(t)

	mustExec(t, db, "CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)")
	mustExec(t, db, "INSERT INTO schema_migrations (version) VALUES (2)")

	fsys := fstest.MapFS{
		"001_base.sql":  file("-- +migrate Up\nCREATE TABLE users (id INTEGER);"),
		"002_other.sql": file("-- +migrate Up\nCREATE TABLE other (id INTEGER);"),
	}

	_, err := Run(context.Background(), db, fsys, nil)
	if err == nil {
		t.Fatal("expected error for out-of-order migration")
	}
	if !strings.Contains(err.Error(), "must be applied in order") {
		t.Errorf("unexpected error: %v", err)
	}
	if v := getVersion(t, db); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if v := getVersion(t, db); v != 0 {
		t.Errorf("expected version 0, got %d", v)
	}

	applied, err := GetAppliedMigrations(context.Background(), db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no applied migrations, got %v", applied)
	}
}

// =============================================================================
// Embedded schema
// =============================================================================

func TestRun_EmbeddedSchema(t *testing.T) {
	db := setupTestDB(t)

	applied, err := Run(context.Background(), db, migrations.Files, nil)
	if err != nil {
		t.Fatalf("embedded migrations failed: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected embedded migrations to apply")
	}

	for _, table := range []string{"batch_jobs", "sync_watermarks", "failed_notifications", "local_records"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
