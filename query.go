package understory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jward/understory/internal/attrs"
	"github.com/jward/understory/internal/phase"
	"github.com/jward/understory/internal/registry"
	"github.com/jward/understory/internal/syntax"
)

// ErrNotGenerated means a handle is not an expansion output known to the
// registry.
var ErrNotGenerated = errors.New("understory: handle is not a known expansion output")

// QueryBuilder provides read access to the Engine's registry, definition
// maps and attributes. Queries share the reading phase with each other.
type QueryBuilder struct {
	e *Engine
}

// ExpansionInfo describes one expansion record.
type ExpansionInfo struct {
	// Handle is the unit containing the call site.
	Handle   string `json:"handle"`
	Position int    `json:"position"`
	Macro    string `json:"macro,omitempty"`
	// Output is the generated handle; empty when the expansion failed or
	// has not run.
	Output string `json:"output,omitempty"`
	// Error is the failure kind, if any.
	Error string `json:"error,omitempty"`
	Depth int    `json:"depth"`
}

// UnitInfo describes one registered source unit.
type UnitInfo struct {
	Handle  string `json:"handle"`
	Depth   int    `json:"depth"`
	Mode    string `json:"mode"`
	Records int    `json:"records"`
}

// Producer returns the expansion that produced a generated handle.
func (q *QueryBuilder) Producer(ctx context.Context, handle string) (*ExpansionInfo, error) {
	var info *ExpansionInfo
	err := q.e.lock.Read(func(r *phase.Read) error {
		rec, ok := q.e.reg.Producer(r, registry.Handle(handle))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotGenerated, handle)
		}
		u, ok := q.e.reg.Unit(r, rec.Unit)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotGenerated, handle)
		}
		ei, err := q.describe(ctx, r, u, rec)
		if err != nil {
			return err
		}
		info = &ei
		return nil
	})
	return info, err
}

// Expansions returns the records of a file or generated unit in call site
// order.
func (q *QueryBuilder) Expansions(ctx context.Context, pathOrHandle string) ([]ExpansionInfo, error) {
	h := handleOf(pathOrHandle)
	var out []ExpansionInfo
	err := q.e.lock.Read(func(r *phase.Read) error {
		id, ok := q.e.reg.Lookup(r, registry.Handle(h))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, h)
		}
		u, _ := q.e.reg.Unit(r, id)
		for _, rec := range q.e.reg.Records(r, id) {
			ei, err := q.describe(ctx, r, u, rec)
			if err != nil {
				return err
			}
			out = append(out, ei)
		}
		return nil
	})
	return out, err
}

func (q *QueryBuilder) describe(ctx context.Context, r *phase.Read, u registry.Unit, rec registry.Record) (ExpansionInfo, error) {
	ei := ExpansionInfo{
		Handle:   string(u.Handle),
		Position: slices.Index(u.Records, rec.ID),
		Depth:    u.Depth,
	}
	if out, err := rec.Result(); err != nil {
		var xe *registry.ExpansionError
		if errors.As(err, &xe) {
			ei.Error = xe.Kind.String()
		}
	} else {
		ei.Output = string(out)
	}
	site, ok, err := q.e.reg.FindCallSite(ctx, r, rec.ID)
	if err != nil {
		return ei, err
	}
	if ok {
		ei.Macro = syntax.MacroName(site.Name)
	}
	return ei, nil
}

// Units lists the registered source units ordered by depth then handle.
func (q *QueryBuilder) Units() []UnitInfo {
	var out []UnitInfo
	_ = q.e.lock.Read(func(r *phase.Read) error {
		units := q.e.reg.Units(r)
		slices.SortFunc(units, func(a, b registry.Unit) int {
			if a.Depth != b.Depth {
				return a.Depth - b.Depth
			}
			if a.Handle < b.Handle {
				return -1
			}
			if a.Handle > b.Handle {
				return 1
			}
			return 0
		})
		for _, u := range units {
			out = append(out, UnitInfo{
				Handle:  string(u.Handle),
				Depth:   u.Depth,
				Mode:    u.Mode.String(),
				Records: len(u.Records),
			})
		}
		return nil
	})
	return out
}

// Mode returns the current mode of a unit.
func (q *QueryBuilder) Mode(pathOrHandle string) (Mode, error) {
	h := handleOf(pathOrHandle)
	var m Mode
	err := q.e.lock.Read(func(r *phase.Read) error {
		id, ok := q.e.reg.Lookup(r, registry.Handle(h))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, h)
		}
		var err error
		m, err = q.e.reg.Mode(r, id)
		return err
	})
	return m, err
}

// Definitions returns the items visible from a compilation unit, ordered by
// kind then name.
func (q *QueryBuilder) Definitions(unit string) ([]Definition, bool) {
	m, ok := q.e.Definitions(unit)
	if !ok {
		return nil, false
	}
	return m.Sorted(), true
}

// Stale returns the compilation units whose artifact awaits a rebuild.
func (q *QueryBuilder) Stale() ([]string, error) {
	return q.e.store.StaleUnits()
}

// BuildOrder returns the compilation units of the last Build in dependency
// order.
func (q *QueryBuilder) BuildOrder() []UnitID {
	q.e.mu.RLock()
	defer q.e.mu.RUnlock()
	if q.e.graph == nil {
		return nil
	}
	return q.e.graph.TopoOrder()
}

// Generated returns the text of an expansion output.
func (q *QueryBuilder) Generated(handle string) (string, error) {
	g, err := q.e.store.GeneratedByHandle(handle)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", fmt.Errorf("%w: %s", ErrNotGenerated, handle)
	}
	return g.Content, nil
}

// RangeMap returns the mapping between a generated output and its call
// body. A missing or unreadable attribute is recomputed from the output and
// the body of the call that produced it.
func (q *QueryBuilder) RangeMap(ctx context.Context, handle string) (RangeMap, error) {
	return q.e.attrs.LoadRangeMap(ctx, handle, func(ctx context.Context) (attrs.RangeMap, error) {
		var body string
		err := q.e.lock.Read(func(r *phase.Read) error {
			rec, ok := q.e.reg.Producer(r, registry.Handle(handle))
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotGenerated, handle)
			}
			site, ok, err := q.e.reg.FindCallSite(ctx, r, rec.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("understory: call site of %s is gone", handle)
			}
			body = site.Body
			return nil
		})
		if err != nil {
			return attrs.RangeMap{}, err
		}
		out, err := q.Generated(handle)
		if err != nil {
			return attrs.RangeMap{}, err
		}
		return attrs.DeriveRangeMap(body, out), nil
	})
}

// MixHash returns the combined hash of an output's definition, call body
// and content. A missing attribute is recomputed from the producing record.
func (q *QueryBuilder) MixHash(handle string) (string, error) {
	if h, ok, err := q.e.attrs.MixHash(handle); err != nil || ok {
		return h, err
	}
	var mix string
	err := q.e.lock.Read(func(r *phase.Read) error {
		rec, ok := q.e.reg.Producer(r, registry.Handle(handle))
		if !ok || rec.Kind != registry.KindNone {
			return fmt.Errorf("%w: %s", ErrNotGenerated, handle)
		}
		mix = attrs.MixHash(rec.DefHash, rec.CallHash, rec.OutputHash)
		return nil
	})
	if err != nil {
		return "", err
	}
	return mix, q.e.attrs.PutMixHash(handle, mix)
}


// Outputs returns the generated handles expanded from call sites in a
// unit, sorted.
func (q *QueryBuilder) Outputs(pathOrHandle string) ([]string, error) {
	gens, err := q.e.store.GeneratedByProducer(handleOf(pathOrHandle))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(gens))
	for _, g := range gens {
		out = append(out, g.Handle)
	}
	return out, nil
}

// SavedAt returns when the registry was last saved to this database.
func (q *QueryBuilder) SavedAt() (time.Time, bool, error) {
	v, err := q.e.store.GetMetadata(metaSavedAt)
	if err != nil || v == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("understory: %s: %w", metaSavedAt, err)
	}
	return t, true, nil
}
