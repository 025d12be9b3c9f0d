package understory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/scripts"
)

// findModuleRoot walks up from cwd to find go.mod, returning the repo root.
func findModuleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find module root")
		}
		dir = parent
	}
}

// newIntegrationEngine creates an Engine backed by a temp DB and the real
// scripts dir.
func newIntegrationEngine(t *testing.T, dbPath string, opts ...Option) *Engine {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "integration.db")
	}
	scriptsDir := filepath.Join(findModuleRoot(t), "scripts")

	e, err := New(dbPath, scriptsDir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// writeRust writes a source file under dir and returns its path.
func writeRust(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

const libSource = `macro_rules! square {
    ($x:expr) => { $x * $x };
}

macro_rules! make_fn {
    ($name:ident, $x:expr) => { fn $name() -> i32 { square!($x) } };
}

pub fn area(side: i32) -> i32 {
    square!(side)
}
`

const appSource = `make_fn!(seven, 7);

fn main() {
    let a = square!(3);
    let v = vec![1, 2];
    println!("{} {:?}", a, v);
}
`

const twoUnitManifest = `
unit "lib" {
  sources = ["lib/*.rs"]
}

unit "app" {
  sources = ["app/*.rs"]
  deps    = ["lib"]
}
`

type project struct {
	dir      string
	manifest string
	lib      string
	app      string
}

func newProject(t *testing.T) project {
	t.Helper()
	dir := t.TempDir()
	return project{
		dir:      dir,
		manifest: writeRust(t, dir, "understory.hcl", twoUnitManifest),
		lib:      writeRust(t, dir, "lib/lib.rs", libSource),
		app:      writeRust(t, dir, "app/main.rs", appSource),
	}
}

// built runs Build and Expand over a fresh project.
func built(t *testing.T, e *Engine) project {
	t.Helper()
	ctx := context.Background()
	p := newProject(t)
	_, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)
	_, err = e.Expand(ctx)
	require.NoError(t, err)
	return p
}

func outputOf(t *testing.T, e *Engine, info ExpansionInfo) string {
	t.Helper()
	require.NotEmpty(t, info.Output, "position %d failed with %q", info.Position, info.Error)
	text, err := e.Query().Generated(info.Output)
	require.NoError(t, err)
	return text
}

// =============================================================================
// Full pipeline
// =============================================================================

func TestIntegration_BuildAndExpand(t *testing.T) {
	e := newIntegrationEngine(t, "", WithWorkers(4))
	ctx := context.Background()
	p := newProject(t)

	br, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Equal(t, []UnitID{"lib", "app"}, br.Built)
	assert.Zero(t, br.Reused)

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 5, res.Expanded)
	assert.Equal(t, 1, res.Failed)

	app, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.Len(t, app, 4)

	assert.Equal(t, "make_fn", app[0].Macro)
	assert.Equal(t, "fn seven() -> i32 { square!(7) }", outputOf(t, e, app[0]))
	assert.Equal(t, "square", app[1].Macro)
	assert.Equal(t, "3 * 3", outputOf(t, e, app[1]))
	assert.Equal(t, "vec", app[2].Macro)
	assert.Equal(t, "<[_]>::into_vec(Box::new([1, 2]))", outputOf(t, e, app[2]))
	assert.Equal(t, "println", app[3].Macro)
	assert.Empty(t, app[3].Output)
	assert.Equal(t, "unresolved", app[3].Error)

	lib, err := e.Query().Expansions(ctx, p.lib)
	require.NoError(t, err)
	require.Len(t, lib, 1)
	assert.Equal(t, "side * side", outputOf(t, e, lib[0]))
}

func TestIntegration_NestedExpansion(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	app, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	gen := app[0].Output

	nested, err := e.Query().Expansions(ctx, gen)
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, 1, nested[0].Depth)
	assert.Equal(t, "7 * 7", outputOf(t, e, nested[0]))

	prod, err := e.Query().Producer(ctx, nested[0].Output)
	require.NoError(t, err)
	assert.Equal(t, gen, prod.Handle)
	assert.Equal(t, "square", prod.Macro)

	var depths []int
	for _, u := range e.Query().Units() {
		depths = append(depths, u.Depth)
	}
	assert.Equal(t, []int{0, 0, 1, 1, 1, 1, 2}, depths)
}

func TestIntegration_RecursionLimit(t *testing.T) {
	e := newIntegrationEngine(t, "", WithRecursionLimit(2))
	ctx := context.Background()
	p := built(t, e)

	app, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	nested, err := e.Query().Expansions(ctx, app[0].Output)
	require.NoError(t, err)
	require.Len(t, nested, 1)

	// The output exists but sits beyond the limit, so it is not a unit.
	assert.Equal(t, "7 * 7", outputOf(t, e, nested[0]))
	_, err = e.Query().Expansions(ctx, nested[0].Output)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestIntegration_ExpandIsIdempotent(t *testing.T) {
	e := newIntegrationEngine(t, "")
	built(t, e)

	res, err := e.Expand(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Rounds)
	assert.Zero(t, res.Expanded)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Collected)
}

// =============================================================================
// Edits
// =============================================================================

func TestIntegration_EditOneCallSiteKeepsTheOther(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	before, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)

	at := strings.Index(appSource, "square!(3)") + len("square!(")
	require.NoError(t, e.Edit(ctx, p.app, at, at+1, "4"))

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expanded)
	assert.Equal(t, 1, res.Collected)

	after, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, "4 * 4", outputOf(t, e, after[1]))
	assert.Equal(t, before[0].Output, after[0].Output)
	assert.Equal(t, before[2].Output, after[2].Output)

	_, err = e.Query().Generated(before[1].Output)
	require.ErrorIs(t, err, ErrNotGenerated)
}

func TestIntegration_DefinitionChangeReexpands(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	require.NoError(t, os.WriteFile(p.lib,
		[]byte(strings.Replace(libSource, "{ $x * $x }", "{ $x * $x * $x }", 1)), 0o644))
	br, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Equal(t, []UnitID{"lib", "app"}, br.Built)

	_, err = e.Expand(ctx)
	require.NoError(t, err)

	app, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	assert.Equal(t, "3 * 3 * 3", outputOf(t, e, app[1]))
}

func TestIntegration_StrengthenSurvivesEdit(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	require.NoError(t, e.Strengthen(ctx, p.app))
	m, err := e.Query().Mode(p.app)
	require.NoError(t, err)
	assert.Equal(t, "STRONG", m.String())

	before, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)

	// Insert a statement ahead of the calls; every call shifts.
	at := strings.Index(appSource, "    let a")
	require.NoError(t, e.Edit(ctx, p.app, at, at, "    let z = 0;\n"))

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expanded)

	after, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Output, after[i].Output)
	}

	require.NoError(t, e.Relink(ctx, p.app))
	m, err = e.Query().Mode(p.app)
	require.NoError(t, err)
	assert.Equal(t, "STUB", m.String())
}

func TestIntegration_InvalidateRecovers(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	require.NoError(t, e.Invalidate(p.app))
	m, err := e.Query().Mode(p.app)
	require.NoError(t, err)
	assert.Equal(t, "LOST", m.String())

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expanded)

	m, err = e.Query().Mode(p.app)
	require.NoError(t, err)
	assert.Equal(t, "STUB", m.String())

	require.ErrorIs(t, e.Invalidate(filepath.Join(p.dir, "nope.rs")), ErrNotRegistered)
}

func TestIntegration_ReloadDropsEdit(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	at := strings.Index(appSource, "square!(3)") + len("square!(")
	require.NoError(t, e.Edit(ctx, p.app, at, at+1, "5"))
	changed, err := e.Reload(ctx, p.app)
	require.NoError(t, err)
	assert.True(t, changed)

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expanded)
}

func TestIntegration_DeletedCallSiteIsCollected(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	before, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.Len(t, before, 4)
	vec := before[2].Output
	require.NotEmpty(t, vec)

	call := "vec![1, 2]"
	at := strings.Index(appSource, call)
	require.NoError(t, e.Edit(ctx, p.app, at, at+len(call), "0"))

	// Nothing is left to expand; the dropped record and its output unit
	// still have to go.
	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expanded)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 1, res.Collected)

	after, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, "println", after[2].Macro)

	outs, err := e.Query().Outputs(p.app)
	require.NoError(t, err)
	assert.Len(t, outs, 2)
	assert.NotContains(t, outs, vec)

	_, err = e.Query().Generated(vec)
	require.ErrorIs(t, err, ErrNotGenerated)
}

const idSource = `macro_rules! id {
    ($x:expr) => { $x };
}

fn main() {
    let a = id!(%s);
    let b = id!(%s);
}
`

func TestIntegration_ReorderedCallsKeepDistinctOutputs(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	dir := t.TempDir()
	manifest := writeRust(t, dir, "understory.hcl", `
unit "main" {
  sources = ["src/*.rs"]
}
`)
	src := filepath.Join(dir, "src", "main.rs")

	// Each rewrite recovers by call body: the pair swaps, then a new call
	// lands on a position whose previous output still belongs to another
	// record, then that new call is replaced.
	for _, args := range [][2]string{{"1", "2"}, {"2", "1"}, {"2", "2"}, {"2", "3"}} {
		writeRust(t, dir, "src/main.rs", fmt.Sprintf(idSource, args[0], args[1]))
		_, err := e.Build(ctx, manifest)
		require.NoError(t, err, "build %v", args)
		_, err = e.Expand(ctx)
		require.NoError(t, err, "expand %v", args)

		got, err := e.Query().Expansions(ctx, src)
		require.NoError(t, err)
		require.Len(t, got, 2, "calls %v", args)
		assert.NotEqual(t, got[0].Output, got[1].Output, "calls %v", args)
		for i, info := range got {
			assert.Equal(t, args[i], outputOf(t, e, info), "calls %v position %d", args, i)

			prod, err := e.Query().Producer(ctx, info.Output)
			require.NoError(t, err, "calls %v position %d", args, i)
			assert.Equal(t, i, prod.Position)
		}
	}

	outs, err := e.Query().Outputs(src)
	require.NoError(t, err)
	assert.Len(t, outs, 2)
}

// =============================================================================
// Incremental builds
// =============================================================================

func TestIntegration_RebuildSkipsUnchangedUnits(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := newProject(t)

	_, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)

	br, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Empty(t, br.Built)
	assert.Equal(t, 2, br.Reused)

	require.NoError(t, os.WriteFile(p.app, []byte(appSource+"\nfn extra() {}\n"), 0o644))
	br, err = e.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Equal(t, []UnitID{"app"}, br.Built)
	assert.Equal(t, 1, br.Reused)

	defs, ok := e.Query().Definitions("app")
	require.True(t, ok)
	var names []string
	for _, d := range defs {
		names = append(names, d.Kind+":"+d.Name)
	}
	assert.Equal(t, []string{"function:area", "function:extra", "function:main", "macro:make_fn", "macro:square"}, names)
}

func TestIntegration_BuildSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	p := newProject(t)

	e1 := newIntegrationEngine(t, dbPath)
	_, err := e1.Build(ctx, p.manifest)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2 := newIntegrationEngine(t, dbPath)
	br, err := e2.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Empty(t, br.Built)
	assert.Equal(t, 2, br.Reused)

	defs, ok := e2.Definitions("app")
	require.True(t, ok)
	_, ok = defs.Lookup(KindMacro, "square")
	assert.True(t, ok)
}

func TestIntegration_UnitRemovedFromManifest(t *testing.T) {
	e := newIntegrationEngine(t, "")
	ctx := context.Background()
	p := built(t, e)

	require.NoError(t, os.WriteFile(p.manifest, []byte(`
unit "lib" {
  sources = ["lib/*.rs"]
}
`), 0o644))
	br, err := e.Build(ctx, p.manifest)
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, br.Removed)

	_, err = e.Query().Expansions(ctx, p.app)
	require.ErrorIs(t, err, ErrNotRegistered)

	res, err := e.Expand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Collected)
}

// =============================================================================
// Persistence
// =============================================================================

func TestIntegration_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	e1 := newIntegrationEngine(t, dbPath)
	p := built(t, e1)
	want, err := e1.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	require.NoError(t, e1.Save(ctx))
	require.NoError(t, e1.Close())

	e2 := newIntegrationEngine(t, dbPath)
	n, err := e2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, saved, err := e2.Query().SavedAt()
	require.NoError(t, err)
	assert.True(t, saved)

	_, err = e2.Build(ctx, p.manifest)
	require.NoError(t, err)
	res, err := e2.Expand(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expanded)
	assert.Zero(t, res.Failed)

	got, err := e2.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIntegration_LoadRejectsOtherScripts(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	e1 := newIntegrationEngine(t, dbPath, WithScriptsFS(scripts.FS))
	built(t, e1)
	require.NoError(t, e1.Save(ctx))
	require.NoError(t, e1.Close())

	e2 := newIntegrationEngine(t, dbPath, WithScriptsFS(fstest.MapFS{
		"expand/vec.risor": &fstest.MapFile{Data: []byte(`"vec"`)},
	}))
	assert.NotEqual(t, e1.Versions().ExpansionAlgorithm, e2.Versions().ExpansionAlgorithm)
	_, err := e2.Load(ctx)
	require.ErrorIs(t, err, store.ErrVersionMismatch)
	assert.Empty(t, e2.Query().Units())
}

func TestIntegration_LoadWithoutSave(t *testing.T) {
	e := newIntegrationEngine(t, "")
	_, err := e.Load(context.Background())
	require.ErrorIs(t, err, store.ErrNoRegistry)
}

// =============================================================================
// Attributes
// =============================================================================

func TestIntegration_RangeMapAndMixHash(t *testing.T) {
	e := newIntegrationEngine(t, "", WithAttrsDir(t.TempDir()))
	ctx := context.Background()
	p := built(t, e)

	app, err := e.Query().Expansions(ctx, p.app)
	require.NoError(t, err)
	out := app[1].Output

	rm, err := e.Query().RangeMap(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, []RangeEntry{
		{SrcStart: 0, SrcEnd: 1, OutStart: 0, OutEnd: 1},
		{SrcStart: 0, SrcEnd: 1, OutStart: 4, OutEnd: 5},
	}, rm.Entries)

	mix, err := e.Query().MixHash(out)
	require.NoError(t, err)
	require.NotEmpty(t, mix)

	// Lost attributes are recomputed to the same values.
	require.NoError(t, e.attrs.Delete(out))
	again, err := e.Query().RangeMap(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, rm.Entries, again.Entries)
	mix2, err := e.Query().MixHash(out)
	require.NoError(t, err)
	assert.Equal(t, mix, mix2)
}
