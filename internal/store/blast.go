package store

import "fmt"

// MarkNeedsRebuild flags the artifacts of the given units as stale. Units
// without an artifact are unaffected; they are already pending.
func (s *Store) MarkNeedsRebuild(units []string) (int64, error) {
	if len(units) == 0 {
		return 0, nil
	}
	res, err := s.db.Exec(
		`UPDATE artifacts SET needs_rebuild = TRUE
		 WHERE unit_id IN (SELECT id FROM units WHERE name IN (`+placeholderList(len(units))+`))`,
		stringsToArgs(units)...,
	)
	if err != nil {
		return 0, fmt.Errorf("mark needs rebuild: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// UnitsNeedingRebuild returns the named units that have no artifact or whose
// artifact is flagged stale, in input order.
func (s *Store) UnitsNeedingRebuild(units []string) ([]string, error) {
	if len(units) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT u.name FROM units u JOIN artifacts a ON a.unit_id = u.id
		 WHERE a.needs_rebuild = FALSE AND u.name IN (`+placeholderList(len(units))+`)`,
		stringsToArgs(units)...,
	)
	if err != nil {
		return nil, fmt.Errorf("units needing rebuild: %w", err)
	}
	defer rows.Close()
	fresh := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan unit name: %w", err)
		}
		fresh[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var stale []string
	for _, u := range units {
		if !fresh[u] {
			stale = append(stale, u)
		}
	}
	return stale, nil
}

// StaleUnits returns every unit whose artifact is flagged for rebuild.
func (s *Store) StaleUnits() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT u.name FROM units u JOIN artifacts a ON a.unit_id = u.id
		 WHERE a.needs_rebuild = TRUE ORDER BY u.name`,
	)
	if err != nil {
		return nil, fmt.Errorf("stale units: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan unit name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
