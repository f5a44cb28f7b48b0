// Package migrate is a minimal SQL migration runner for SQLite. It
// applies numbered .sql files from an fs.FS in order and records the
// applied version in a bookkeeping table, one migrator per table so
// independent schemas can share a database.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Migrator applies ordered SQL migrations against a database.
type Migrator struct {
	db         *sql.DB
	table      string
	migrations []migration
}

// migration is a single .sql file: "0001_create_events.sql" has
// version 1 and name "create_events".
type migration struct {
	version int64
	name    string
	sql     string
}

// New creates a migrator that records applied versions in the given
// table.
func New(db *sql.DB, table string) *Migrator {
	return &Migrator{db: db, table: table}
}

// LoadFromFS loads every .sql file under dir, ordered by the numeric
// prefix of the filename.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return err
		}

		contents, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		m.migrations = append(m.migrations, migration{
			version: version,
			name:    name,
			sql:     string(contents),
		})
	}

	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].version < m.migrations[j].version
	})

	for i := 1; i < len(m.migrations); i++ {
		if m.migrations[i].version == m.migrations[i-1].version {
			return fmt.Errorf("duplicate migration version %d", m.migrations[i].version)
		}
	}
	return nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up() error {
	if err := m.ensureMigrationTable(); err != nil {
		return err
	}

	current, err := m.getCurrentVersion()
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.version, mig.name, err)
		}
	}
	return nil
}

// Version returns the highest applied migration version, 0 when none
// have been applied.
func (m *Migrator) Version() (int64, error) {
	if err := m.ensureMigrationTable(); err != nil {
		return 0, err
	}
	return m.getCurrentVersion()
}

func (m *Migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.sql); err != nil {
		return err
	}

	record := fmt.Sprintf("INSERT INTO %s (version, name) VALUES (?, ?)", m.table)
	if _, err := tx.Exec(record, mig.version, mig.name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable() error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name    TEXT NOT NULL
		)
	`, m.table)
	if _, err := m.db.Exec(create); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

func (m *Migrator) getCurrentVersion() (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.table)
	var version int64
	if err := m.db.QueryRow(query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, nil
}

// parseFilename splits "0001_create_events.sql" into (1,
// "create_events").
func parseFilename(filename string) (int64, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return 0, "", fmt.Errorf("migration filename %q is not of the form NNNN_name.sql", filename)
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("migration filename %q has a non-numeric version: %w", filename, err)
	}
	return version, name, nil
}
