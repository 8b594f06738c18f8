// Package table persists base and window records in SQLite.
package table

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record addressed by key does not exist.
var ErrNotFound = errors.New("record not found")

// DB owns the SQLite handle shared by the base and window tables
type DB struct {
	db      *sql.DB
	bases   *BaseTable
	windows *WindowTable
	logger  zerolog.Logger
}

// Open opens (or creates) the database at dbPath and initializes the schema
func Open(dbPath string, logger zerolog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connections for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{
		db:     db,
		logger: logger.With().Str("component", "table").Logger(),
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.bases = &BaseTable{db: db}
	d.windows = &WindowTable{db: db}

	d.logger.Info().Str("path", dbPath).Msg("Table store opened")
	return d, nil
}

// initSchema creates the record tables if they don't exist
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS base_records (
		id TEXT PRIMARY KEY,
		entity_key TEXT NOT NULL,
		priority INTEGER NOT NULL,
		value TEXT NOT NULL,
		start_ms INTEGER NOT NULL,
		template BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_base_records_identity ON base_records(entity_key, priority);
	CREATE INDEX IF NOT EXISTS idx_base_records_value ON base_records(value);

	CREATE TABLE IF NOT EXISTS window_records (
		base_id TEXT NOT NULL REFERENCES base_records(id) ON DELETE CASCADE,
		window_index INTEGER NOT NULL,
		anchor_ms INTEGER NOT NULL,
		last_offset_ms INTEGER NOT NULL,
		sample_count INTEGER NOT NULL,
		deltas BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (base_id, window_index)
	);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return err
	}

	return d.runMigrations()
}

// runMigrations applies schema migrations for existing tables
func (d *DB) runMigrations() error {
	migrations := []struct {
		name  string
		check string
		apply string
	}{
		{
			name:  "add_window_sample_count",
			check: "SELECT sample_count FROM window_records LIMIT 1",
			apply: "ALTER TABLE window_records ADD COLUMN sample_count INTEGER NOT NULL DEFAULT 0",
		},
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m.check); err != nil {
			d.logger.Info().Str("migration", m.name).Msg("Applying schema migration")
			if _, err := d.db.Exec(m.apply); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
			}
		}
	}

	return nil
}

// Bases returns the base record table
func (d *DB) Bases() *BaseTable {
	return d.bases
}

// Windows returns the window record table
func (d *DB) Windows() *WindowTable {
	return d.windows
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}
