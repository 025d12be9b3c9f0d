// Package manifest loads the unit graph from an HCL manifest:
//
//	unit "core" {
//	  sources = ["src/core/*.rs"]
//	}
//
//	unit "app" {
//	  sources = ["src/main.rs"]
//	  deps    = ["core"]
//	}
//
// Source patterns are globs relative to the manifest's directory.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/jward/understory/internal/scheduler"
)

// DefaultFile is the manifest name looked up when none is given.
const DefaultFile = "understory.hcl"

var (
	ErrCycle      = errors.New("manifest: dependency cycle")
	ErrUnknownDep = errors.New("manifest: unknown dependency")
	ErrDuplicate  = errors.New("manifest: duplicate unit")
)

// hclManifest is the top-level structure of a manifest file for decoding.
type hclManifest struct {
	Units []*hclUnit `hcl:"unit,block"`
}

type hclUnit struct {
	Name    string   `hcl:"name,label"`
	Sources []string `hcl:"sources"`
	Deps    []string `hcl:"deps,optional"`
}

// Unit is one compilation unit.
type Unit struct {
	Name string
	// Sources are absolute, cleaned and sorted.
	Sources []string
	Deps    []string
}

// Load parses the manifest at path and resolves its source globs.
func Load(path string) (*Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return Parse(src, abs, filepath.Dir(abs))
}

// Parse decodes manifest source. filename labels diagnostics; baseDir
// anchors relative source patterns.
func Parse(src []byte, filename, baseDir string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("manifest: failed to parse %s: %w", filename, diags)
	}

	var parsed hclManifest
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("manifest: failed to decode %s: %w", filename, diags)
	}

	units := make([]*Unit, 0, len(parsed.Units))
	for _, hu := range parsed.Units {
		sources, err := expandSources(baseDir, hu.Sources)
		if err != nil {
			return nil, fmt.Errorf("manifest: unit %q: %w", hu.Name, err)
		}
		units = append(units, &Unit{Name: hu.Name, Sources: sources, Deps: hu.Deps})
	}
	return New(units)
}

func expandSources(baseDir string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Graph is a validated, acyclic unit graph. It implements scheduler.Graph.
type Graph struct {
	units      map[string]*Unit
	dependents map[string][]string
	order      []scheduler.UnitID
	bySource   map[string][]string
}

var _ scheduler.Graph = (*Graph)(nil)

// New validates units and builds a Graph. Unknown deps, duplicate names and
// cycles are errors.
func New(units []*Unit) (*Graph, error) {
	g := &Graph{
		units:      make(map[string]*Unit, len(units)),
		dependents: make(map[string][]string),
		bySource:   make(map[string][]string),
	}
	for _, u := range units {
		if _, dup := g.units[u.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, u.Name)
		}
		g.units[u.Name] = u
	}
	for _, u := range units {
		for _, d := range u.Deps {
			if _, ok := g.units[d]; !ok {
				return nil, fmt.Errorf("%w: unit %q depends on %q", ErrUnknownDep, u.Name, d)
			}
			g.dependents[d] = append(g.dependents[d], u.Name)
		}
		for _, s := range u.Sources {
			g.bySource[s] = append(g.bySource[s], u.Name)
		}
	}
	for k := range g.dependents {
		sort.Strings(g.dependents[k])
	}
	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Unit returns the named unit.
func (g *Graph) Unit(name string) (*Unit, bool) {
	u, ok := g.units[name]
	return u, ok
}

// Len returns the number of units.
func (g *Graph) Len() int { return len(g.units) }

func (g *Graph) Deps(unit scheduler.UnitID) []scheduler.UnitID {
	u, ok := g.units[string(unit)]
	if !ok {
		return nil
	}
	return toIDs(u.Deps)
}

func (g *Graph) Dependents(unit scheduler.UnitID) []scheduler.UnitID {
	return toIDs(g.dependents[string(unit)])
}

// TopoOrder returns every unit with dependencies first. Ties break by name.
func (g *Graph) TopoOrder() []scheduler.UnitID {
	return append([]scheduler.UnitID(nil), g.order...)
}

func (g *Graph) topoOrder() ([]scheduler.UnitID, error) {
	indeg := make(map[string]int, len(g.units))
	var ready []string
	for name, u := range g.units {
		indeg[name] = len(u.Deps)
		if len(u.Deps) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]scheduler.UnitID, 0, len(g.units))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, scheduler.UnitID(name))
		var next []string
		for _, d := range g.dependents[name] {
			indeg[d]--
			if indeg[d] == 0 {
				next = append(next, d)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}
	if len(order) != len(g.units) {
		var stuck []string
		for name, n := range indeg {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Closure returns ids plus every unit that transitively depends on them, in
// topological order. Unknown ids are ignored.
func (g *Graph) Closure(ids []scheduler.UnitID) []scheduler.UnitID {
	in := make(map[string]bool)
	stack := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := g.units[string(id)]; ok && !in[string(id)] {
			in[string(id)] = true
			stack = append(stack, string(id))
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[n] {
			if !in[d] {
				in[d] = true
				stack = append(stack, d)
			}
		}
	}
	out := make([]scheduler.UnitID, 0, len(in))
	for _, id := range g.order {
		if in[string(id)] {
			out = append(out, id)
		}
	}
	return out
}

// UnitsOf returns the units that list path among their sources.
func (g *Graph) UnitsOf(path string) []scheduler.UnitID {
	return toIDs(g.bySource[filepath.Clean(path)])
}

// Sources returns every source file of every unit, sorted and deduplicated.
func (g *Graph) Sources() []string {
	out := make([]string, 0, len(g.bySource))
	for s := range g.bySource {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toIDs(names []string) []scheduler.UnitID {
	if len(names) == 0 {
		return nil
	}
	out := make([]scheduler.UnitID, len(names))
	for i, n := range names {
		out[i] = scheduler.UnitID(n)
	}
	return out
}
