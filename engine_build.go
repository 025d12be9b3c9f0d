package understory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jward/understory/internal/manifest"
	"github.com/jward/understory/internal/phase"
	"github.com/jward/understory/internal/registry"
	"github.com/jward/understory/internal/scheduler"
	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/internal/syntax"
)

var tracer = otel.Tracer("understory")

// KindMacro is the definition kind of macro_rules! items.
const KindMacro = "macro"

// Definition is one item visible from a unit.
type Definition struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	// Handle is the file or output the item is defined in.
	Handle string `json:"handle"`
	Hash   string `json:"hash"`
	Start  int    `json:"start"`
	// Body is kept for macros only; expansion scripts need it.
	Body string `json:"body,omitempty"`
}

func definitionOf(handle string, d syntax.Definition) Definition {
	def := Definition{
		Name:   d.Name,
		Kind:   d.Kind,
		Handle: handle,
		Hash:   d.Hash,
		Start:  d.Start,
	}
	if d.Kind == KindMacro {
		def.Body = d.Body
	}
	return def
}

// DefinitionMap is a unit's artifact: every item visible from the unit,
// keyed by kind and name. A unit's own items shadow those of its
// dependencies.
type DefinitionMap map[string]Definition

func defKey(kind, name string) string { return kind + ":" + name }

// Lookup returns the item of the given kind and name.
func (m DefinitionMap) Lookup(kind, name string) (Definition, bool) {
	d, ok := m[defKey(kind, name)]
	return d, ok
}

// Sorted returns the definitions ordered by kind then name.
func (m DefinitionMap) Sorted() []Definition {
	out := make([]Definition, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BuildResult summarizes one Build.
type BuildResult struct {
	// Built lists the units rebuilt, in build order.
	Built []UnitID
	// Reused counts units whose stored artifact was still fresh.
	Reused int
	// Removed lists units dropped from the manifest.
	Removed []string
}

// Build loads the manifest at path and brings every unit's definition map
// up to date. Units whose sources changed are rebuilt together with
// everything that depends on them; all other units reuse their stored
// artifact. Every source file is registered as a depth-0 source unit.
func (e *Engine) Build(ctx context.Context, path string) (*BuildResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	return e.build(ctx, g)
}

func (e *Engine) build(ctx context.Context, g *manifest.Graph) (*BuildResult, error) {
	ctx, span := tracer.Start(ctx, "understory.Build")
	defer span.End()
	span.SetAttributes(attribute.Int("understory.units", g.Len()))

	res := &BuildResult{}
	if err := e.lock.Mutate(func(w *phase.Write) error {
		_, err := e.ws.Refresh(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("understory: refresh sources: %w", err)
	}

	known, err := e.store.Units()
	if err != nil {
		return nil, fmt.Errorf("understory: build: %w", err)
	}
	for _, u := range known {
		if _, ok := g.Unit(u.Name); !ok {
			if err := e.store.DeleteUnit(u.Name); err != nil {
				return nil, fmt.Errorf("understory: build: %w", err)
			}
			res.Removed = append(res.Removed, u.Name)
		}
	}

	order := g.TopoOrder()
	var dirty []scheduler.UnitID
	for _, id := range order {
		changed, err := e.noteSources(ctx, g, id)
		if err != nil {
			return nil, err
		}
		if changed {
			dirty = append(dirty, id)
		}
	}
	closure := g.Closure(dirty)
	if _, err := e.store.MarkNeedsRebuild(unitNames(closure)); err != nil {
		return nil, fmt.Errorf("understory: build: %w", err)
	}

	stale, err := e.store.UnitsNeedingRebuild(unitNames(order))
	if err != nil {
		return nil, fmt.Errorf("understory: build: %w", err)
	}
	need := make(map[string]bool, len(stale))
	for _, n := range stale {
		need[n] = true
	}

	fresh, err := e.store.FreshArtifacts()
	if err != nil {
		return nil, fmt.Errorf("understory: build: %w", err)
	}
	prebuilt := make(map[scheduler.UnitID]DefinitionMap)
	for name, a := range fresh {
		if need[name] {
			continue
		}
		if _, ok := g.Unit(name); !ok {
			continue
		}
		var m DefinitionMap
		if err := json.Unmarshal(a.Data, &m); err != nil {
			e.logger.Warn("discarding undecodable artifact", zap.String("unit", name), zap.Error(err))
			need[name] = true
			continue
		}
		prebuilt[scheduler.UnitID(name)] = m
	}
	res.Reused = len(prebuilt)

	e.mu.Lock()
	e.graph = g
	e.defs = make(map[scheduler.UnitID]DefinitionMap, g.Len())
	for id, m := range prebuilt {
		e.defs[id] = m
	}
	e.mu.Unlock()

	if err := e.registerSources(g); err != nil {
		return nil, err
	}

	var units []scheduler.UnitID
	for _, id := range order {
		if need[string(id)] {
			units = append(units, id)
		}
	}
	if len(units) == 0 {
		e.logger.Debug("build: nothing to do", zap.Int("reused", res.Reused))
		return res, nil
	}

	built, err := scheduler.Run(ctx, scheduler.Request[DefinitionMap]{
		Units:       units,
		Graph:       g,
		Prebuilt:    prebuilt,
		Build:       e.unitBuilder(g),
		Store:       artifactSink{store: e.store},
		Pool:        e.pool,
		Stamp:       time.Now().UnixNano(),
		MissingDeps: e.policy,
		Logger:      e.logger.Named("scheduler"),
	})

	e.mu.Lock()
	for id, m := range built {
		e.defs[id] = m
	}
	e.mu.Unlock()
	for _, id := range units {
		if _, ok := built[id]; ok {
			res.Built = append(res.Built, id)
		}
	}
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	e.logger.Info("build finished",
		zap.Int("built", len(res.Built)),
		zap.Int("reused", res.Reused),
		zap.Int("removed", len(res.Removed)))
	return res, nil
}

// noteSources hashes a unit's sources and dependency list and records the
// hash. It reports whether the hash changed.
func (e *Engine) noteSources(ctx context.Context, g *manifest.Graph, id scheduler.UnitID) (bool, error) {
	u, _ := g.Unit(string(id))
	contents := make(map[string][]byte, len(u.Sources)+1)
	for _, p := range u.Sources {
		d, err := e.ws.Document(ctx, syntax.FileHandle(p))
		if err != nil {
			return false, fmt.Errorf("understory: unit %s: %w", u.Name, err)
		}
		contents[p] = d.Source
	}
	contents["\x00deps"] = []byte(strings.Join(u.Deps, "\x00"))
	hash := store.SourcesHash(contents)

	prev, err := e.store.UnitByName(u.Name)
	if err != nil {
		return false, fmt.Errorf("understory: unit %s: %w", u.Name, err)
	}
	if prev != nil && prev.SourceHash == hash {
		return false, nil
	}
	if _, err := e.store.UpsertUnit(&store.Unit{Name: u.Name, SourceHash: hash}); err != nil {
		return false, fmt.Errorf("understory: unit %s: %w", u.Name, err)
	}
	return true, nil
}

// registerSources registers every source file at depth 0 and removes file
// units that are no longer part of any unit.
func (e *Engine) registerSources(g *manifest.Graph) error {
	sources := g.Sources()
	want := make(map[registry.Handle]bool, len(sources))
	for _, p := range sources {
		want[registry.Handle(syntax.FileHandle(p))] = true
	}
	return e.lock.Mutate(func(w *phase.Write) error {
		for _, u := range e.reg.Units(w) {
			if u.Depth == 0 && !want[u.Handle] {
				if err := e.reg.RemoveUnit(w, u.ID); err != nil {
					return err
				}
				e.ws.Forget(string(u.Handle))
			}
		}
		for h := range want {
			if _, ok := e.reg.Register(w, h); !ok {
				return fmt.Errorf("understory: cannot register %s", h)
			}
		}
		e.reg.Cleanup(w)
		return nil
	})
}

// unitBuilder returns the scheduler build function for g. A unit's map is
// its dependencies' maps, direct dependencies first, overlaid with its own
// items.
func (e *Engine) unitBuilder(g *manifest.Graph) scheduler.BuildFunc[DefinitionMap] {
	return func(ctx context.Context, unit scheduler.UnitID, deps map[scheduler.UnitID]DefinitionMap) (DefinitionMap, error) {
		u, ok := g.Unit(string(unit))
		if !ok {
			return nil, fmt.Errorf("unknown unit %s", unit)
		}
		out := make(DefinitionMap)
		err := e.lock.Read(func(r *phase.Read) error {
			own := make(DefinitionMap)
			for _, p := range u.Sources {
				if err := ctx.Err(); err != nil {
					return err
				}
				h := syntax.FileHandle(p)
				d, err := e.ws.Document(ctx, h)
				if err != nil {
					return err
				}
				for _, def := range d.Defs {
					k := defKey(def.Kind, def.Name)
					if _, dup := own[k]; !dup {
						own[k] = definitionOf(h, def)
					}
				}
			}

			direct := g.Deps(unit)
			rest := make([]scheduler.UnitID, 0, len(deps))
			isDirect := make(map[scheduler.UnitID]bool, len(direct))
			for _, d := range direct {
				isDirect[d] = true
			}
			for d := range deps {
				if !isDirect[d] {
					rest = append(rest, d)
				}
			}
			sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })

			for _, d := range append(slices.Clone(direct), rest...) {
				for k, def := range deps[d] {
					if _, taken := out[k]; !taken {
						out[k] = def
					}
				}
			}
			for k, def := range own {
				out[k] = def
			}
			return nil
		})
		return out, err
	}
}

// artifactSink publishes definition maps to the store as JSON.
type artifactSink struct {
	store *store.Store
}

func (a artifactSink) Publish(ctx context.Context, unit scheduler.UnitID, m DefinitionMap, stamp int64) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", unit, err)
	}
	return a.store.PublishArtifact(ctx, string(unit), data, stamp)
}

// Definitions returns the definition map of a unit.
func (e *Engine) Definitions(unit string) (DefinitionMap, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.defs[scheduler.UnitID(unit)]
	return m, ok
}

func unitNames(ids []scheduler.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
