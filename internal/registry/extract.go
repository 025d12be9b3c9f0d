package registry

import (
	"context"
	"iter"
	"slices"

	"github.com/jward/understory/internal/phase"
)

// Extractable is one unit handed out by Extractions. Extract may run
// concurrently with other Extractables of the same stage.
type Extractable struct {
	r      *Registry
	tok    phase.Token
	Unit   UnitID
	Handle Handle
	Depth  int
}

// Extractions yields the registered units one depth at a time, shallowest
// first. Empty stages are skipped. Each batch is a snapshot taken when it is
// yielded.
func (r *Registry) Extractions(tok phase.Token) iter.Seq[[]Extractable] {
	return func(yield func([]Extractable) bool) {
		for depth := range r.stages {
			tok.Assert()
			ids := slices.Clone(r.stages[depth])
			if len(ids) == 0 {
				continue
			}
			slices.Sort(ids)
			batch := make([]Extractable, 0, len(ids))
			for _, id := range ids {
				u := r.unit(id)
				if u == nil {
					continue
				}
				batch = append(batch, Extractable{r: r, tok: tok, Unit: id, Handle: u.handle, Depth: depth})
			}
			if len(batch) > 0 && !yield(batch) {
				return
			}
		}
	}
}

// Extract brings the unit to STUB mode and returns a WorkItem for every call
// site whose record is unexpanded, was cancelled, or was computed against a
// different call body or definition. INVALID and removed units yield nothing.
func (e Extractable) Extract(ctx context.Context) ([]WorkItem, error) {
	r := e.r
	u := r.unit(e.Unit)
	if u == nil {
		e.tok.Assert()
		return nil, nil
	}
	unlock := r.lock(e.tok, u)
	defer unlock()

	s, err := r.stabilize(ctx, e.Unit, u)
	if err != nil || s == nil {
		return nil, err
	}

	var items []WorkItem
	for i, site := range s.CallSites() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rid := u.records[i]
		rec := r.record(rid)
		def, _ := r.host.DefinitionHash(ctx, u.handle, site)
		if !needsExpansion(rec, site, def) {
			continue
		}
		items = append(items, WorkItem{
			Record:   rid,
			Unit:     e.Unit,
			Handle:   u.handle,
			Depth:    u.depth,
			Position: i,
			Site:     site,
			DefHash:  def,
		})
	}
	return items, nil
}

func needsExpansion(rec *record, site CallSite, def string) bool {
	switch rec.kind {
	case KindNotExpanded, KindCancelled:
		return true
	case KindNone:
		if rec.output == "" {
			return true
		}
	}
	return rec.callHash != site.BodyHash || rec.defHash != def
}
