package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Unit operations ---

// UpsertUnit inserts a unit or updates the source hash of an existing one.
func (s *Store) UpsertUnit(u *Unit) (int64, error) {
	_, err := s.db.Exec(
		`INSERT INTO units (name, source_hash) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET source_hash = excluded.source_hash`,
		u.Name, u.SourceHash,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert unit: %w", err)
	}
	var id int64
	if err := s.db.QueryRow("SELECT id FROM units WHERE name = ?", u.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("unit id: %w", err)
	}
	u.ID = id
	return id, nil
}

func (s *Store) UnitByName(name string) (*Unit, error) {
	u := &Unit{}
	var hash sql.NullString
	var built sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, name, source_hash, last_built FROM units WHERE name = ?", name,
	).Scan(&u.ID, &u.Name, &hash, &built)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unit by name: %w", err)
	}
	u.SourceHash = hash.String
	u.LastBuilt = built.Time
	return u, nil
}

func (s *Store) Units() ([]*Unit, error) {
	rows, err := s.db.Query("SELECT id, name, source_hash, last_built FROM units ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("units: %w", err)
	}
	defer rows.Close()
	var units []*Unit
	for rows.Next() {
		u := &Unit{}
		var hash sql.NullString
		var built sql.NullTime
		if err := rows.Scan(&u.ID, &u.Name, &hash, &built); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.SourceHash = hash.String
		u.LastBuilt = built.Time
		units = append(units, u)
	}
	return units, rows.Err()
}

// --- Artifact operations ---

// PublishArtifact writes a unit's artifact, clears its needs-rebuild flag
// and records the freshness stamp in one transaction.
func (s *Store) PublishArtifact(ctx context.Context, unit string, data []byte, stamp int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish %s: begin: %w", unit, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO units (name, last_built) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_built = excluded.last_built`,
		unit, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("publish %s: unit: %w", unit, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (unit_id, data, needs_rebuild, stamp)
		 SELECT id, ?, FALSE, ? FROM units WHERE name = ?`,
		string(data), stamp, unit,
	); err != nil {
		return fmt.Errorf("publish %s: artifact: %w", unit, err)
	}
	return tx.Commit()
}

// Artifact returns the stored artifact of a unit, or nil if none exists.
func (s *Store) Artifact(unit string) (*Artifact, error) {
	a := &Artifact{Unit: unit}
	var data string
	err := s.db.QueryRow(
		`SELECT a.unit_id, a.data, a.needs_rebuild, a.stamp
		 FROM artifacts a JOIN units u ON u.id = a.unit_id
		 WHERE u.name = ?`, unit,
	).Scan(&a.UnitID, &data, &a.NeedsRebuild, &a.Stamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	a.Data = []byte(data)
	return a, nil
}

// FreshArtifacts returns the artifacts not flagged for rebuild, keyed by
// unit name.
func (s *Store) FreshArtifacts() (map[string]*Artifact, error) {
	rows, err := s.db.Query(
		`SELECT u.name, a.unit_id, a.data, a.stamp
		 FROM artifacts a JOIN units u ON u.id = a.unit_id
		 WHERE a.needs_rebuild = FALSE`,
	)
	if err != nil {
		return nil, fmt.Errorf("fresh artifacts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*Artifact)
	for rows.Next() {
		a := &Artifact{}
		var data string
		if err := rows.Scan(&a.Unit, &a.UnitID, &data, &a.Stamp); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Data = []byte(data)
		out[a.Unit] = a
	}
	return out, rows.Err()
}
