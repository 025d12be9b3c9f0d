package store

import "fmt"

// CommitBatch writes all buffered outputs from a BatchedStore into SQLite
// within a single transaction.
func (s *Store) CommitBatch(batch *BatchedStore) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()
	if len(batch.Generated) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range batch.Generated {
		g := &batch.Generated[i]
		if err := insertGeneratedTx(tx, g); err != nil {
			return fmt.Errorf("commit batch: generated %q: %w", g.Handle, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	batch.Generated = nil
	batch.byHandle = make(map[string]int)
	return nil
}
