package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/scheduler"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func ids(names ...string) []scheduler.UnitID {
	out := make([]scheduler.UnitID, len(names))
	for i, n := range names {
		out[i] = scheduler.UnitID(n)
	}
	return out
}

func diamond(t *testing.T) *Graph {
	t.Helper()
	g, err := New([]*Unit{
		{Name: "app", Deps: []string{"left", "right"}},
		{Name: "left", Deps: []string{"base"}},
		{Name: "right", Deps: []string{"base"}},
		{Name: "base"},
		{Name: "tool"},
	})
	require.NoError(t, err)
	return g
}

// =============================================================================
// Load
// =============================================================================

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "core", "a.rs"), "")
	writeFile(t, filepath.Join(dir, "src", "core", "b.rs"), "")
	writeFile(t, filepath.Join(dir, "src", "main.rs"), "")
	writeFile(t, filepath.Join(dir, DefaultFile), `
unit "app" {
  sources = ["src/main.rs"]
  deps    = ["core"]
}

unit "core" {
  sources = ["src/core/*.rs", "src/core/a.rs"]
}
`)

	g, err := Load(filepath.Join(dir, DefaultFile))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, ids("core", "app"), g.TopoOrder())

	core, ok := g.Unit("core")
	require.True(t, ok)
	assert.Equal(t, []string{
		filepath.Join(dir, "src", "core", "a.rs"),
		filepath.Join(dir, "src", "core", "b.rs"),
	}, core.Sources)

	assert.Equal(t, ids("core"), g.UnitsOf(filepath.Join(dir, "src", "core", "b.rs")))
	assert.Len(t, g.Sources(), 3)
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		is   error
	}{
		{"syntax", `unit "a" {`, nil},
		{"missing sources", `unit "a" {}`, nil},
		{"unknown attribute", `unit "a" { sources = [] colour = "red" }`, nil},
		{"unknown dep", `unit "a" {
  sources = []
  deps = ["b"]
}`, ErrUnknownDep},
		{"duplicate", `unit "a" {
  sources = []
}
unit "a" {
  sources = []
}`, ErrDuplicate},
		{"cycle", `unit "a" {
  sources = []
  deps = ["b"]
}
unit "b" {
  sources = []
  deps = ["a"]
}`, ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.src), "test.hcl", t.TempDir())
			require.Error(t, err)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
		})
	}
}

// =============================================================================
// Graph
// =============================================================================

func TestGraph_TopoOrder(t *testing.T) {
	t.Parallel()
	g := diamond(t)
	assert.Equal(t, ids("base", "tool", "left", "right", "app"), g.TopoOrder())
}

func TestGraph_Edges(t *testing.T) {
	t.Parallel()
	g := diamond(t)
	assert.Equal(t, ids("left", "right"), g.Deps("app"))
	assert.Equal(t, ids("left", "right"), g.Dependents("base"))
	assert.Nil(t, g.Dependents("app"))
	assert.Nil(t, g.Deps("missing"))
}

func TestGraph_Closure(t *testing.T) {
	t.Parallel()
	g := diamond(t)
	assert.Equal(t, ids("base", "left", "right", "app"), g.Closure(ids("base")))
	assert.Equal(t, ids("right", "app"), g.Closure(ids("right")))
	assert.Equal(t, ids("tool"), g.Closure(ids("tool", "tool", "ghost")))
	assert.Empty(t, g.Closure(nil))
}

func TestGraph_SelfCycle(t *testing.T) {
	t.Parallel()
	_, err := New([]*Unit{{Name: "a", Deps: []string{"a"}}})
	require.ErrorIs(t, err, ErrCycle)
}
