package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegistryFormat is the storage_format version written by SaveRegistry.
const RegistryFormat = "registry-sqlite/1"

var (
	// ErrVersionMismatch means a persisted registry was written under a
	// different version of one of the four guarded components.
	ErrVersionMismatch = errors.New("store: registry version mismatch")
	// ErrNoRegistry means no registry has been saved.
	ErrNoRegistry = errors.New("store: no saved registry")
	// ErrCorrupt means the persisted registry is internally inconsistent.
	ErrCorrupt = errors.New("store: corrupt registry")
)

const (
	metaStorageFormat      = "storage_format"
	metaExpansionAlgorithm = "expansion_algorithm"
	metaIndexAlgorithm     = "index_algorithm"
	metaAttributeEncoding  = "attribute_encoding"
)

func (v Versions) fields() [][2]string {
	return [][2]string{
		{metaStorageFormat, v.StorageFormat},
		{metaExpansionAlgorithm, v.ExpansionAlgorithm},
		{metaIndexAlgorithm, v.IndexAlgorithm},
		{metaAttributeEncoding, v.AttributeEncoding},
	}
}

// SaveRegistry replaces the persisted registry with units, tagged with v.
// Units are stored in order; records keep their list position.
func (s *Store) SaveRegistry(ctx context.Context, v Versions, units []RegistryUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save registry: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM registry_records",
		"DELETE FROM registry_units",
		"DELETE FROM registry_meta",
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("save registry: clear: %w", err)
		}
	}

	for _, f := range v.fields() {
		if _, err := tx.ExecContext(ctx, "INSERT INTO registry_meta (key, value) VALUES (?, ?)", f[0], f[1]); err != nil {
			return fmt.Errorf("save registry: meta %s: %w", f[0], err)
		}
	}

	unitStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO registry_units (ordinal, handle, depth, stamp, record_count) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("save registry: prepare units: %w", err)
	}
	defer unitStmt.Close()
	recStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO registry_records
		 (unit_ordinal, position, output, error_tag, def_hash, call_hash, output_hash, struct_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save registry: prepare records: %w", err)
	}
	defer recStmt.Close()

	for ord, u := range units {
		if _, err := unitStmt.ExecContext(ctx, ord, u.Handle, u.Depth, u.Stamp, len(u.Records)); err != nil {
			return fmt.Errorf("save registry: unit %s: %w", u.Handle, err)
		}
		for pos, r := range u.Records {
			if _, err := recStmt.ExecContext(ctx, ord, pos,
				nullString(r.Output), nullString(r.ErrorTag),
				nullString(r.DefHash), nullString(r.CallHash),
				nullString(r.OutputHash), nullString(r.StructIndex),
			); err != nil {
				return fmt.Errorf("save registry: unit %s record %d: %w", u.Handle, pos, err)
			}
		}
	}
	return tx.Commit()
}

// LoadRegistry reads the persisted registry. If any of the four stored
// versions differs from want, it returns ErrVersionMismatch and no data.
func (s *Store) LoadRegistry(ctx context.Context, want Versions) ([]RegistryUnit, error) {
	have, err := s.RegistryVersions(ctx)
	if err != nil {
		return nil, err
	}
	haveFields := have.fields()
	for i, f := range want.fields() {
		if haveFields[i][1] != f[1] {
			return nil, fmt.Errorf("%w: %s is %q, want %q", ErrVersionMismatch, f[0], haveFields[i][1], f[1])
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT ordinal, handle, depth, stamp, record_count FROM registry_units ORDER BY ordinal")
	if err != nil {
		return nil, fmt.Errorf("load registry: units: %w", err)
	}
	var units []RegistryUnit
	counts := make(map[int64]int)
	index := make(map[int64]int)
	for rows.Next() {
		var ord int64
		var u RegistryUnit
		var n int
		if err := rows.Scan(&ord, &u.Handle, &u.Depth, &u.Stamp, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load registry: scan unit: %w", err)
		}
		counts[ord] = n
		index[ord] = len(units)
		units = append(units, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load registry: units: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT unit_ordinal, position, output, error_tag, def_hash, call_hash, output_hash, struct_index
		 FROM registry_records ORDER BY unit_ordinal, position`)
	if err != nil {
		return nil, fmt.Errorf("load registry: records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ord int64
		var pos int
		var output, tag, def, call, outHash, idx sql.NullString
		if err := rows.Scan(&ord, &pos, &output, &tag, &def, &call, &outHash, &idx); err != nil {
			return nil, fmt.Errorf("load registry: scan record: %w", err)
		}
		i, ok := index[ord]
		if !ok {
			return nil, fmt.Errorf("%w: record for unknown unit %d", ErrCorrupt, ord)
		}
		if pos != len(units[i].Records) {
			return nil, fmt.Errorf("%w: unit %s record %d out of sequence", ErrCorrupt, units[i].Handle, pos)
		}
		units[i].Records = append(units[i].Records, RegistryRecord{
			Output:      output.String,
			ErrorTag:    tag.String,
			DefHash:     def.String,
			CallHash:    call.String,
			OutputHash:  outHash.String,
			StructIndex: idx.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load registry: records: %w", err)
	}

	for ord, n := range counts {
		u := units[index[ord]]
		if len(u.Records) != n {
			return nil, fmt.Errorf("%w: unit %s has %d record(s), header says %d", ErrCorrupt, u.Handle, len(u.Records), n)
		}
	}
	return units, nil
}

// RegistryVersions returns the versions of the persisted registry.
func (s *Store) RegistryVersions(ctx context.Context) (Versions, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM registry_meta")
	if err != nil {
		return Versions{}, fmt.Errorf("registry versions: %w", err)
	}
	defer rows.Close()
	var v Versions
	found := 0
	for rows.Next() {
		var k, val string
		if err := rows.Scan(&k, &val); err != nil {
			return Versions{}, fmt.Errorf("registry versions: scan: %w", err)
		}
		found++
		switch k {
		case metaStorageFormat:
			v.StorageFormat = val
		case metaExpansionAlgorithm:
			v.ExpansionAlgorithm = val
		case metaIndexAlgorithm:
			v.IndexAlgorithm = val
		case metaAttributeEncoding:
			v.AttributeEncoding = val
		}
	}
	if err := rows.Err(); err != nil {
		return Versions{}, fmt.Errorf("registry versions: %w", err)
	}
	if found == 0 {
		return Versions{}, ErrNoRegistry
	}
	return v, nil
}
