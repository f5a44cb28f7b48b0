package migrate

import (
	"database/sql"
	"embed"
	"testing"

	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// openTestDB opens an in-memory database pinned to one connection;
// every pooled connection would otherwise get its own empty database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator(t *testing.T) {
	db := openTestDB(t)

	m := New(db, "test_migrations")

	if err := m.ensureMigrationTable(); err != nil {
		t.Fatalf("failed to ensure migration table: %v", err)
	}

	version, err := m.getCurrentVersion()
	if err != nil {
		t.Fatalf("failed to get current version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestMigratorWithFS(t *testing.T) {
	db := openTestDB(t)

	m := New(db, "test_migrations")

	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}

	if len(m.migrations) == 0 {
		t.Fatal("no migrations loaded")
	}

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count); err != nil {
		t.Fatalf("test table not created: %v", err)
	}
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	m := New(db, "test_migrations")
	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("first Up failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up failed: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after re-run, got %d", version)
	}
}

func TestParseFilename(t *testing.T) {
	version, name, err := parseFilename("0042_add_cursors.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 42 {
		t.Errorf("expected version 42, got %d", version)
	}
	if name != "add_cursors" {
		t.Errorf("expected name add_cursors, got %q", name)
	}

	if _, _, err := parseFilename("noversion.sql"); err == nil {
		t.Error("expected error for filename without version prefix")
	}
	if _, _, err := parseFilename("abc_name.sql"); err == nil {
		t.Error("expected error for non-numeric version prefix")
	}
}
