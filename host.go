package understory

import (
	"context"
	"sort"

	"github.com/jward/understory/internal/registry"
	"github.com/jward/understory/internal/syntax"
)

// host exposes the workspace and definition maps to the registry.
type host struct {
	e *Engine
}

var _ registry.Host = (*host)(nil)

func (h *host) Stamp(handle registry.Handle) (registry.Stamp, bool) {
	st, ok := h.e.ws.Stamp(string(handle))
	return registry.Stamp(st), ok
}

func (h *host) Structure(ctx context.Context, handle registry.Handle) (registry.Structure, error) {
	d, err := h.e.ws.Document(ctx, string(handle))
	if err != nil {
		return nil, err
	}
	return newStructure(d), nil
}

func (h *host) DefinitionHash(ctx context.Context, handle registry.Handle, site registry.CallSite) (string, bool) {
	def, ok := h.e.macroDefinition(ctx, string(handle), site.Name)
	if !ok {
		return "", false
	}
	return def.Hash, true
}

// structure adapts a parsed document to registry.Structure. Call sites are
// indexed by their child-index path and referenced by *syntax.Call.
type structure struct {
	doc   *syntax.Document
	sites []registry.CallSite
}

func newStructure(d *syntax.Document) *structure {
	s := &structure{doc: d, sites: make([]registry.CallSite, len(d.Sites))}
	for i, site := range d.Sites {
		s.sites[i] = callSite(site)
	}
	return s
}

func callSite(s syntax.Site) registry.CallSite {
	return registry.CallSite{
		Ref:      s.Call,
		Index:    registry.StructIndex(s.Path),
		Name:     s.Name,
		Body:     s.Body,
		BodyHash: s.BodyHash,
	}
}

func (s *structure) Stamp() registry.Stamp           { return registry.Stamp(s.doc.Stamp) }
func (s *structure) CallSites() []registry.CallSite { return s.sites }

func (s *structure) Resolve(idx registry.StructIndex) (registry.CallSite, bool) {
	site, ok := s.doc.SiteAt(string(idx))
	if !ok {
		return registry.CallSite{}, false
	}
	return callSite(site), true
}

func (s *structure) Locate(ref registry.CallRef) (registry.CallSite, bool) {
	c, ok := ref.(*syntax.Call)
	if !ok {
		return registry.CallSite{}, false
	}
	site, ok := s.doc.Locate(c)
	if !ok {
		return registry.CallSite{}, false
	}
	return callSite(site), true
}

// macroDefinition finds the macro_rules! a call in handle refers to. The
// handle's own document is searched first, then the documents of its
// producers, then the definition maps of the units containing the root
// file.
func (e *Engine) macroDefinition(ctx context.Context, handle, name string) (Definition, bool) {
	name = syntax.MacroName(name)
	h := handle
	for hops := 0; hops <= e.limit; hops++ {
		if d, err := e.ws.Document(ctx, h); err == nil {
			for _, def := range d.Defs {
				if def.Kind == KindMacro && def.Name == name {
					return definitionOf(h, def), true
				}
			}
		}
		if !syntax.IsGenerated(h) {
			break
		}
		row, err := e.store.GeneratedByHandle(h)
		if err != nil || row == nil {
			return Definition{}, false
		}
		h = row.Producer
	}

	path, ok := syntax.PathOf(h)
	if !ok {
		return Definition{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.graph == nil {
		return Definition{}, false
	}
	units := e.graph.UnitsOf(path)
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	for _, u := range units {
		if def, ok := e.defs[u].Lookup(KindMacro, name); ok {
			return def, true
		}
	}
	return Definition{}, false
}
