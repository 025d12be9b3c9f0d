package store

import (
	"database/sql"
	"fmt"
)

// --- Generated output operations ---

const upsertGeneratedSQL = `INSERT INTO generated (handle, content, producer, macro, content_hash)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(handle) DO UPDATE SET
	  content = excluded.content, producer = excluded.producer,
	  macro = excluded.macro, content_hash = excluded.content_hash`

func (s *Store) InsertGenerated(g *Generated) (int64, error) {
	if _, err := s.db.Exec(upsertGeneratedSQL, g.Handle, g.Content, g.Producer, g.Macro, g.ContentHash); err != nil {
		return 0, fmt.Errorf("insert generated: %w", err)
	}
	if err := s.db.QueryRow("SELECT id FROM generated WHERE handle = ?", g.Handle).Scan(&g.ID); err != nil {
		return 0, fmt.Errorf("generated id: %w", err)
	}
	return g.ID, nil
}

func insertGeneratedTx(tx *sql.Tx, g *Generated) error {
	_, err := tx.Exec(upsertGeneratedSQL, g.Handle, g.Content, g.Producer, g.Macro, g.ContentHash)
	return err
}

func (s *Store) scanGenerated(scanner interface{ Scan(...any) error }) (*Generated, error) {
	g := &Generated{}
	var macro, hash sql.NullString
	if err := scanner.Scan(&g.ID, &g.Handle, &g.Content, &g.Producer, &macro, &hash); err != nil {
		return nil, err
	}
	g.Macro = macro.String
	g.ContentHash = hash.String
	return g, nil
}

// GeneratedByHandle returns the output stored under handle, or nil.
func (s *Store) GeneratedByHandle(handle string) (*Generated, error) {
	row := s.db.QueryRow(
		"SELECT id, handle, content, producer, macro, content_hash FROM generated WHERE handle = ?", handle,
	)
	g, err := s.scanGenerated(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("generated by handle: %w", err)
	}
	return g, nil
}

// GeneratedByProducer returns the outputs expanded from call sites in the
// unit named by producer.
func (s *Store) GeneratedByProducer(producer string) ([]*Generated, error) {
	rows, err := s.db.Query(
		"SELECT id, handle, content, producer, macro, content_hash FROM generated WHERE producer = ? ORDER BY handle", producer,
	)
	if err != nil {
		return nil, fmt.Errorf("generated by producer: %w", err)
	}
	defer rows.Close()
	var out []*Generated
	for rows.Next() {
		g, err := s.scanGenerated(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generated: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GeneratedHandles returns every stored output handle.
func (s *Store) GeneratedHandles() ([]string, error) {
	rows, err := s.db.Query("SELECT handle FROM generated ORDER BY handle")
	if err != nil {
		return nil, fmt.Errorf("generated handles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteGenerated removes outputs by handle.
func (s *Store) DeleteGenerated(handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := s.db.Exec(
		"DELETE FROM generated WHERE handle IN ("+placeholderList(len(handles))+")",
		stringsToArgs(handles)...,
	)
	if err != nil {
		return fmt.Errorf("delete generated: %w", err)
	}
	return nil
}
