package store

import "time"

// Build domain types

type Unit struct {
	ID         int64
	Name       string
	SourceHash string
	LastBuilt  time.Time
}

type Artifact struct {
	UnitID       int64
	Unit         string
	Data         []byte
	NeedsRebuild bool
	Stamp        int64
}

// Expansion domain types

// Generated is the text of one expansion output, addressed by its gen://
// handle. Producer is the handle of the unit containing the call site.
type Generated struct {
	ID          int64
	Handle      string
	Content     string
	Producer    string
	Macro       string
	ContentHash string
}

// Registry persistence types

// Versions are the four independent version fields guarding a persisted
// registry. A saved registry is only loaded when all four match.
type Versions struct {
	StorageFormat      string
	ExpansionAlgorithm string
	IndexAlgorithm     string
	AttributeEncoding  string
}

type RegistryUnit struct {
	Handle  string
	Depth   int
	Stamp   int64
	Records []RegistryRecord
}

// RegistryRecord holds either an Output or an ErrorTag; both empty means the
// record was never expanded. Empty hashes and index are stored as NULL.
type RegistryRecord struct {
	Output      string
	ErrorTag    string
	DefHash     string
	CallHash    string
	OutputHash  string
	StructIndex string
}
