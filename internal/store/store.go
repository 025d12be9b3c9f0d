package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for build artifacts, generated
// expansion outputs and the persisted expansion registry.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
-- Build tables

CREATE TABLE IF NOT EXISTS units (
  id              INTEGER PRIMARY KEY,
  name            TEXT NOT NULL UNIQUE,
  source_hash     TEXT,
  last_built      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artifacts (
  unit_id         INTEGER PRIMARY KEY REFERENCES units(id),
  data            TEXT NOT NULL,
  needs_rebuild   BOOLEAN NOT NULL DEFAULT FALSE,
  stamp           INTEGER NOT NULL
);

-- Expansion tables

CREATE TABLE IF NOT EXISTS generated (
  id              INTEGER PRIMARY KEY,
  handle          TEXT NOT NULL UNIQUE,
  content         TEXT NOT NULL,
  producer        TEXT NOT NULL,
  macro           TEXT,
  content_hash    TEXT
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT
);

-- Registry persistence

CREATE TABLE IF NOT EXISTS registry_meta (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_units (
  ordinal         INTEGER PRIMARY KEY,
  handle          TEXT NOT NULL UNIQUE,
  depth           INTEGER NOT NULL,
  stamp           INTEGER NOT NULL,
  record_count    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_records (
  unit_ordinal    INTEGER NOT NULL REFERENCES registry_units(ordinal),
  position        INTEGER NOT NULL,
  output          TEXT,
  error_tag       TEXT,
  def_hash        TEXT,
  call_hash       TEXT,
  output_hash     TEXT,
  struct_index    TEXT,
  PRIMARY KEY (unit_ordinal, position)
);

-- Indexes

CREATE INDEX IF NOT EXISTS idx_artifacts_rebuild ON artifacts(needs_rebuild);
CREATE INDEX IF NOT EXISTS idx_generated_producer ON generated(producer);
`

// DeleteUnit transactionally removes a unit and its artifact.
func (s *Store) DeleteUnit(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM artifacts WHERE unit_id IN (SELECT id FROM units WHERE name = ?)", name); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM units WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete unit: %w", err)
	}
	return tx.Commit()
}

// SetMetadata stores a key/value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// GetMetadata returns the value for key, or "" if unset.
func (s *Store) GetMetadata(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value.String, nil
}
