package store

// DataStore is the interface for expansion-phase output storage. Both Store
// (direct SQLite) and BatchedStore (in-memory buffering for parallel
// expansion) implement this interface.
type DataStore interface {
	InsertGenerated(g *Generated) (int64, error)
	GeneratedByHandle(handle string) (*Generated, error)
}

// Compile-time check: *Store satisfies DataStore.
var _ DataStore = (*Store)(nil)
