package store

import "sync"

// BatchedStore buffers generated outputs in memory using fake (negative)
// IDs. Expansion workers write to it concurrently during the reading phase;
// the buffer is committed with Store.CommitBatch in the mutating phase.
//
// Thread safety: the mutex protects fake ID allocation and the buffer.
// Lookups fall through to the underlying Store when the handle is not
// buffered.
type BatchedStore struct {
	store *Store // for read passthrough
	mu    sync.Mutex

	Generated []Generated
	byHandle  map[string]int

	nextFakeID int64 // starts at -1, decrements
}

// Compile-time check: *BatchedStore satisfies DataStore.
var _ DataStore = (*BatchedStore)(nil)

// NewBatchedStore creates a BatchedStore backed by the given Store for read queries.
func NewBatchedStore(s *Store) *BatchedStore {
	return &BatchedStore{
		store:      s,
		byHandle:   make(map[string]int),
		nextFakeID: -1,
	}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

// InsertGenerated buffers g. A second insert for the same handle replaces
// the first.
func (b *BatchedStore) InsertGenerated(g *Generated) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.byHandle[g.Handle]; ok {
		g.ID = b.Generated[i].ID
		b.Generated[i] = *g
		return g.ID, nil
	}
	g.ID = b.allocFakeID()
	b.byHandle[g.Handle] = len(b.Generated)
	b.Generated = append(b.Generated, *g)
	return g.ID, nil
}

// GeneratedByHandle returns a buffered output, or passes through to the
// database.
func (b *BatchedStore) GeneratedByHandle(handle string) (*Generated, error) {
	b.mu.Lock()
	if i, ok := b.byHandle[handle]; ok {
		g := b.Generated[i]
		b.mu.Unlock()
		return &g, nil
	}
	b.mu.Unlock()
	return b.store.GeneratedByHandle(handle)
}

// Len returns the number of buffered outputs.
func (b *BatchedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Generated)
}
