// Package registry caches macro expansion results per call site and keeps
// them attached to the right call sites as source text and structure change.
//
// The registry owns a table of SourceUnits (analyzable texts) and their
// ordered ExpansionRecords. Units and records live in arenas addressed by
// UnitID and RecordID; back links are indices. Every operation takes a
// phase token: structural changes (Register, Apply, Prune, Cleanup,
// Relocate, Restore) require the exclusive *phase.Write, while extraction
// and lookups may run under a shared *phase.Read.
package registry

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/jward/understory/internal/phase"
)

// DefaultRecursionLimit bounds the depth of nested expansions.
const DefaultRecursionLimit = 8

type sourceUnit struct {
	// mu guards stamp, records and the bindings of those records during
	// the reading phase.
	mu sync.Mutex

	handle  Handle
	depth   int
	stamp   Stamp
	records []RecordID
}

type record struct {
	unit       UnitID
	output     Handle
	defHash    string
	callHash   string
	outputHash string
	kind       ErrorKind

	bind  BindingKind
	index StructIndex
	ref   CallRef
}

// Registry is the expansion cache. Create one with New.
type Registry struct {
	host   Host
	limit  int
	logger *zap.Logger

	// arenaMu guards the arena slices; records may be allocated by
	// concurrent recoveries during the reading phase.
	arenaMu sync.RWMutex
	units   []*sourceUnit
	records []*record

	// Mutated only in the writing phase.
	byHandle map[Handle]UnitID
	reverse  map[Handle]RecordID
	stages   [][]UnitID
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecursionLimit sets the maximum nesting depth. Units at depth >= n are
// never registered.
func WithRecursionLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithLogger sets the logger used for recovery and breakage diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty Registry backed by host.
func New(host Host, opts ...Option) *Registry {
	r := &Registry{
		host:   host,
		limit:  DefaultRecursionLimit,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.arenaMu.Lock()
	r.units = nil
	r.records = nil
	r.arenaMu.Unlock()
	r.byHandle = make(map[Handle]UnitID)
	r.reverse = make(map[Handle]RecordID)
	r.stages = make([][]UnitID, r.limit)
}

// RecursionLimit returns the configured depth bound.
func (r *Registry) RecursionLimit() int { return r.limit }

// --- Arena helpers ---

func (r *Registry) unit(id UnitID) *sourceUnit {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	if id < 0 || int(id) >= len(r.units) {
		return nil
	}
	return r.units[id]
}

func (r *Registry) record(id RecordID) *record {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	if id < 0 || int(id) >= len(r.records) {
		return nil
	}
	return r.records[id]
}

func (r *Registry) allocUnit(u *sourceUnit) UnitID {
	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	r.units = append(r.units, u)
	return UnitID(len(r.units) - 1)
}

func (r *Registry) allocRecord(rec *record) RecordID {
	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	r.records = append(r.records, rec)
	return RecordID(len(r.records) - 1)
}

func (r *Registry) freeRecord(id RecordID) {
	r.arenaMu.Lock()
	r.records[id] = nil
	r.arenaMu.Unlock()
}

func (r *Registry) freeUnit(id UnitID) {
	r.arenaMu.Lock()
	r.units[id] = nil
	r.arenaMu.Unlock()
}

// lock takes u's own mutex unless tok is the exclusive write token.
func (r *Registry) lock(tok phase.Token, u *sourceUnit) func() {
	tok.Assert()
	if tok.Exclusive() {
		return func() {}
	}
	u.mu.Lock()
	return u.mu.Unlock
}

// --- Registration and staging ---

// Register fetches or creates the SourceUnit for h. A unit produced by an
// expansion sits one level below its producer. Registration beyond the
// recursion limit yields false.
func (r *Registry) Register(w *phase.Write, h Handle) (UnitID, bool) {
	w.Assert()
	depth := 0
	if rid, ok := r.reverse[h]; ok {
		if rec := r.record(rid); rec != nil {
			if owner := r.unit(rec.unit); owner != nil {
				depth = owner.depth + 1
			}
		}
	}
	if depth >= r.limit {
		r.logger.Debug("recursion limit reached",
			zap.String("handle", string(h)), zap.Int("depth", depth), zap.Int("limit", r.limit))
		recordLimitHit()
		return 0, false
	}

	if id, ok := r.byHandle[h]; ok {
		if u := r.unit(id); u.depth != depth {
			r.relocate(id, u, depth)
		}
		return id, true
	}

	id := r.allocUnit(&sourceUnit{handle: h, depth: depth, stamp: StampFresh})
	r.byHandle[h] = id
	r.stages[depth] = append(r.stages[depth], id)
	return id, true
}

// Relocate moves units to another depth.
func (r *Registry) Relocate(w *phase.Write, ids []UnitID, depth int) error {
	w.Assert()
	if depth < 0 || depth >= r.limit {
		return fmt.Errorf("registry: relocate: depth %d outside [0,%d)", depth, r.limit)
	}
	for _, id := range ids {
		u := r.unit(id)
		if u == nil {
			return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
		}
		if u.depth != depth {
			r.relocate(id, u, depth)
		}
	}
	return nil
}

func (r *Registry) relocate(id UnitID, u *sourceUnit, depth int) {
	r.stages[u.depth] = removeID(r.stages[u.depth], id)
	u.depth = depth
	r.stages[depth] = append(r.stages[depth], id)
}

func removeID[T comparable](list []T, id T) []T {
	if i := slices.Index(list, id); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

// --- Mutation on result ---

// Apply records a freshly computed outcome for rec. The record is replaced,
// keeping its position and identity-tracking fields, and the reverse index
// is updated. The replacement's ID is returned. An output already produced
// by another live record is refused with ErrOutputClaimed and nothing
// changes.
func (r *Registry) Apply(w *phase.Write, id RecordID, out Outcome) (RecordID, error) {
	w.Assert()
	old := r.record(id)
	if old == nil {
		return NoRecord, fmt.Errorf("%w: %d", ErrUnknownRecord, id)
	}
	u := r.unit(old.unit)
	pos := slices.Index(u.records, id)
	if pos < 0 {
		return NoRecord, fmt.Errorf("%w: %d not listed by its unit", ErrUnknownRecord, id)
	}

	if out.Output != "" {
		if prev, ok := r.reverse[out.Output]; ok && prev != id {
			return NoRecord, fmt.Errorf("%w: %s by %d", ErrOutputClaimed, out.Output, prev)
		}
	}

	callHash := out.CallHash
	if callHash == "" {
		callHash = old.callHash
	}
	next := &record{
		unit:       old.unit,
		output:     out.Output,
		defHash:    out.DefHash,
		callHash:   callHash,
		outputHash: out.OutputHash,
		kind:       out.Kind,
		bind:       old.bind,
		index:      old.index,
		ref:        old.ref,
	}
	nid := r.allocRecord(next)

	if old.output != "" && r.reverse[old.output] == id {
		delete(r.reverse, old.output)
	}
	if next.output != "" {
		r.reverse[next.output] = nid
	}
	u.records[pos] = nid
	r.freeRecord(id)
	return nid, nil
}

// Prune removes a record. A unit left without records is removed as well.
func (r *Registry) Prune(w *phase.Write, id RecordID) error {
	w.Assert()
	rec := r.record(id)
	if rec == nil {
		return fmt.Errorf("%w: %d", ErrUnknownRecord, id)
	}
	u := r.unit(rec.unit)
	u.records = removeID(u.records, id)
	if rec.output != "" && r.reverse[rec.output] == id {
		delete(r.reverse, rec.output)
	}
	r.freeRecord(id)
	if len(u.records) == 0 {
		r.dropUnit(rec.unit, u)
	}
	return nil
}

// RemoveUnit prunes every record of a unit and the unit itself.
func (r *Registry) RemoveUnit(w *phase.Write, id UnitID) error {
	w.Assert()
	u := r.unit(id)
	if u == nil {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	for _, rid := range u.records {
		if rec := r.record(rid); rec != nil {
			if rec.output != "" && r.reverse[rec.output] == rid {
				delete(r.reverse, rec.output)
			}
			r.freeRecord(rid)
		}
	}
	u.records = nil
	r.dropUnit(id, u)
	return nil
}

func (r *Registry) dropUnit(id UnitID, u *sourceUnit) {
	delete(r.byHandle, u.handle)
	r.stages[u.depth] = removeID(r.stages[u.depth], id)
	r.freeUnit(id)
}

// Cleanup prunes records that recovery left without identity in bound
// units, then removes generated units whose producing record is gone. It
// returns the number of records and units removed.
func (r *Registry) Cleanup(w *phase.Write) int {
	w.Assert()
	removed := 0
	for _, id := range r.liveUnits() {
		u := r.unit(id)
		if u == nil || !(u.stamp > 0 || u.stamp == StampStrong) {
			continue
		}
		for _, rid := range slices.Clone(u.records) {
			if rec := r.record(rid); rec != nil && rec.bind == BindNone {
				_ = r.Prune(w, rid)
				removed++
			}
		}
	}

	for {
		orphaned := 0
		for _, id := range r.liveUnits() {
			u := r.unit(id)
			if u == nil || u.depth == 0 {
				continue
			}
			if _, ok := r.reverse[u.handle]; ok {
				continue
			}
			_ = r.RemoveUnit(w, id)
			orphaned++
		}
		removed += orphaned
		if orphaned == 0 {
			break
		}
	}
	if removed > 0 {
		r.logger.Debug("registry cleanup", zap.Int("removed", removed))
	}
	return removed
}

func (r *Registry) liveUnits() []UnitID {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	ids := make([]UnitID, 0, len(r.units))
	for i, u := range r.units {
		if u != nil {
			ids = append(ids, UnitID(i))
		}
	}
	return ids
}

// --- Queries ---

// Lookup returns the unit registered for h.
func (r *Registry) Lookup(tok phase.Token, h Handle) (UnitID, bool) {
	tok.Assert()
	id, ok := r.byHandle[h]
	return id, ok
}

// Unit returns a snapshot of a unit.
func (r *Registry) Unit(tok phase.Token, id UnitID) (Unit, bool) {
	u := r.unit(id)
	if u == nil {
		tok.Assert()
		return Unit{}, false
	}
	unlock := r.lock(tok, u)
	defer unlock()
	mode := r.modeOf(u)
	return Unit{
		ID:      id,
		Handle:  u.handle,
		Depth:   u.depth,
		Stamp:   u.stamp,
		Mode:    mode,
		Records: slices.Clone(u.records),
	}, true
}

// Units returns snapshots of every live unit ordered by depth, then ID.
func (r *Registry) Units(tok phase.Token) []Unit {
	tok.Assert()
	var out []Unit
	for depth := range r.stages {
		ids := slices.Clone(r.stages[depth])
		slices.Sort(ids)
		for _, id := range ids {
			if u, ok := r.Unit(tok, id); ok {
				out = append(out, u)
			}
		}
	}
	return out
}

// Record returns a snapshot of a record.
func (r *Registry) Record(tok phase.Token, id RecordID) (Record, bool) {
	rec := r.record(id)
	if rec == nil {
		tok.Assert()
		return Record{}, false
	}
	u := r.unit(rec.unit)
	unlock := r.lock(tok, u)
	defer unlock()
	return snapshotRecord(id, rec), true
}

// Records returns snapshots of a unit's records in list order.
func (r *Registry) Records(tok phase.Token, id UnitID) []Record {
	u := r.unit(id)
	if u == nil {
		tok.Assert()
		return nil
	}
	unlock := r.lock(tok, u)
	defer unlock()
	out := make([]Record, 0, len(u.records))
	for _, rid := range u.records {
		if rec := r.record(rid); rec != nil {
			out = append(out, snapshotRecord(rid, rec))
		}
	}
	return out
}

// Owner returns the ID of the record whose output is h.
func (r *Registry) Owner(tok phase.Token, h Handle) (RecordID, bool) {
	tok.Assert()
	id, ok := r.reverse[h]
	return id, ok
}

// Producer returns the record whose output is h.
func (r *Registry) Producer(tok phase.Token, h Handle) (Record, bool) {
	tok.Assert()
	id, ok := r.reverse[h]
	if !ok {
		return Record{}, false
	}
	return r.Record(tok, id)
}

func snapshotRecord(id RecordID, rec *record) Record {
	return Record{
		ID:         id,
		Unit:       rec.unit,
		Output:     rec.output,
		DefHash:    rec.defHash,
		CallHash:   rec.callHash,
		OutputHash: rec.outputHash,
		Kind:       rec.kind,
		Binding:    rec.bind,
		Index:      rec.index,
	}
}
