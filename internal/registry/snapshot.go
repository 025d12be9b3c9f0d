package registry

import (
	"go.uber.org/zap"

	"github.com/jward/understory/internal/phase"
)

// Snapshot is the persistable state of a Registry. Units are ordered by
// depth so producers precede the units they generate.
type Snapshot struct {
	Units []UnitSnapshot
}

type UnitSnapshot struct {
	Handle  Handle
	Depth   int
	Stamp   Stamp
	Records []RecordSnapshot
}

type RecordSnapshot struct {
	Output     Handle
	Kind       ErrorKind
	DefHash    string
	CallHash   string
	OutputHash string
	// Index is empty for records without a structural binding.
	Index StructIndex
}

// Snapshot captures every live unit. STRONG references cannot outlive the
// process, so STRONG units are captured as forced-relink with no indices.
func (r *Registry) Snapshot(tok phase.Token) Snapshot {
	var snap Snapshot
	for _, u := range r.Units(tok) {
		us := UnitSnapshot{Handle: u.Handle, Depth: u.Depth, Stamp: u.Stamp}
		strong := u.Stamp == StampStrong
		if strong {
			us.Stamp = StampForceRelink
		}
		for _, rec := range r.Records(tok, u.ID) {
			rs := RecordSnapshot{
				Output:     rec.Output,
				Kind:       rec.Kind,
				DefHash:    rec.DefHash,
				CallHash:   rec.CallHash,
				OutputHash: rec.OutputHash,
			}
			if rec.Binding == BindIndex && !strong {
				rs.Index = rec.Index
			}
			us.Records = append(us.Records, rs)
		}
		snap.Units = append(snap.Units, us)
	}
	return snap
}

// Restore replaces the registry's contents with snap. Units at or beyond the
// recursion limit are dropped. It returns the number of units restored.
func (r *Registry) Restore(w *phase.Write, snap Snapshot) int {
	w.Assert()
	r.reset()
	restored := 0
	for _, us := range snap.Units {
		if us.Depth < 0 || us.Depth >= r.limit {
			r.logger.Debug("dropping unit beyond recursion limit",
				zap.String("handle", string(us.Handle)), zap.Int("depth", us.Depth))
			continue
		}
		if _, dup := r.byHandle[us.Handle]; dup {
			r.logger.Warn("duplicate unit in snapshot", zap.String("handle", string(us.Handle)))
			continue
		}
		u := &sourceUnit{handle: us.Handle, depth: us.Depth, stamp: us.Stamp}
		id := r.allocUnit(u)
		for _, rs := range us.Records {
			rec := &record{
				unit:       id,
				output:     rs.Output,
				defHash:    rs.DefHash,
				callHash:   rs.CallHash,
				outputHash: rs.OutputHash,
				kind:       rs.Kind,
			}
			if rs.Index != "" {
				rec.bind = BindIndex
				rec.index = rs.Index
			}
			rid := r.allocRecord(rec)
			u.records = append(u.records, rid)
			if rec.output != "" {
				r.reverse[rec.output] = rid
			}
		}
		r.byHandle[us.Handle] = id
		r.stages[us.Depth] = append(r.stages[us.Depth], id)
		restored++
	}
	return restored
}
