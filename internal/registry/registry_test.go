package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jward/understory/internal/phase"
)

// =============================================================================
// Fake host
// =============================================================================

type fakeCall struct {
	name string
	body string
}

type fakeStructure struct {
	stamp Stamp
	calls []*fakeCall
}

func bodyHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (s *fakeStructure) Stamp() Stamp { return s.stamp }

func (s *fakeStructure) site(i int) CallSite {
	c := s.calls[i]
	return CallSite{Ref: c, Index: StructIndex(strconv.Itoa(i)), Name: c.name, Body: c.body, BodyHash: bodyHash(c.body)}
}

func (s *fakeStructure) CallSites() []CallSite {
	out := make([]CallSite, len(s.calls))
	for i := range s.calls {
		out[i] = s.site(i)
	}
	return out
}

func (s *fakeStructure) Resolve(idx StructIndex) (CallSite, bool) {
	i, err := strconv.Atoi(string(idx))
	if err != nil || i < 0 || i >= len(s.calls) {
		return CallSite{}, false
	}
	return s.site(i), true
}

func (s *fakeStructure) Locate(ref CallRef) (CallSite, bool) {
	for i, c := range s.calls {
		if CallRef(c) == ref {
			return s.site(i), true
		}
	}
	return CallSite{}, false
}

type fakeHost struct {
	mu   sync.Mutex
	docs map[Handle]*fakeStructure
	defs map[string]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{docs: map[Handle]*fakeStructure{}, defs: map[string]string{}}
}

func (h *fakeHost) Stamp(handle Handle) (Stamp, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[handle]
	if !ok {
		return 0, false
	}
	return d.stamp, true
}

func (h *fakeHost) Structure(_ context.Context, handle Handle) (Structure, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[handle]
	if !ok {
		return nil, fmt.Errorf("no document %s", handle)
	}
	return &fakeStructure{stamp: d.stamp, calls: append([]*fakeCall(nil), d.calls...)}, nil
}

func (h *fakeHost) DefinitionHash(_ context.Context, _ Handle, site CallSite) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.defs[site.Name]
	return d, ok
}

// set replaces a document with calls named by "name:body" pairs.
func (h *fakeHost) set(handle Handle, calls ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stamp Stamp = 1
	if d, ok := h.docs[handle]; ok {
		stamp = d.stamp + 1
	}
	d := &fakeStructure{stamp: stamp}
	for _, c := range calls {
		name, body := c, ""
		for i := range c {
			if c[i] == ':' {
				name, body = c[:i], c[i+1:]
				break
			}
		}
		d.calls = append(d.calls, &fakeCall{name: name, body: body})
	}
	h.docs[handle] = d
}

// editBody replaces call i with a new call carrying body.
func (h *fakeHost) editBody(handle Handle, i int, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.docs[handle]
	calls := append([]*fakeCall(nil), d.calls...)
	calls[i] = &fakeCall{name: calls[i].name, body: body}
	h.docs[handle] = &fakeStructure{stamp: d.stamp + 1, calls: calls}
}

// swap reorders two calls, keeping their identity.
func (h *fakeHost) swap(handle Handle, i, j int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.docs[handle]
	calls := append([]*fakeCall(nil), d.calls...)
	calls[i], calls[j] = calls[j], calls[i]
	h.docs[handle] = &fakeStructure{stamp: d.stamp + 1, calls: calls}
}

func (h *fakeHost) remove(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.docs, handle)
}

func (h *fakeHost) define(name, hash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defs[name] = hash
}

// =============================================================================
// Helpers
// =============================================================================

func mutate(t *testing.T, l *phase.Lock, fn func(w *phase.Write)) {
	t.Helper()
	require.NoError(t, l.Mutate(func(w *phase.Write) error {
		fn(w)
		return nil
	}))
}

func read(t *testing.T, l *phase.Lock, fn func(r *phase.Read)) {
	t.Helper()
	require.NoError(t, l.Read(func(r *phase.Read) error {
		fn(r)
		return nil
	}))
}

func extractAll(t *testing.T, reg *Registry, l *phase.Lock) []WorkItem {
	t.Helper()
	var items []WorkItem
	read(t, l, func(r *phase.Read) {
		for batch := range reg.Extractions(r) {
			for _, e := range batch {
				got, err := e.Extract(context.Background())
				require.NoError(t, err)
				items = append(items, got...)
			}
		}
	})
	return items
}

// applyAll expands every item to "gen://<handle>/<position>" and returns the
// replacement record IDs.
func applyAll(t *testing.T, reg *Registry, l *phase.Lock, items []WorkItem) []RecordID {
	t.Helper()
	var ids []RecordID
	mutate(t, l, func(w *phase.Write) {
		for _, it := range items {
			out := Handle(fmt.Sprintf("gen://%s/%d", it.Handle, it.Position))
			id, err := reg.Apply(w, it.Record, Outcome{
				Output:     out,
				OutputHash: bodyHash(string(out)),
				DefHash:    it.DefHash,
				CallHash:   it.Site.BodyHash,
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}
	})
	return ids
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeHost, *phase.Lock) {
	t.Helper()
	host := newFakeHost()
	return New(host, opts...), host, &phase.Lock{}
}

func register(t *testing.T, reg *Registry, l *phase.Lock, h Handle) UnitID {
	t.Helper()
	var id UnitID
	mutate(t, l, func(w *phase.Write) {
		var ok bool
		id, ok = reg.Register(w, h)
		require.True(t, ok)
	})
	return id
}

func records(t *testing.T, reg *Registry, l *phase.Lock, id UnitID) []Record {
	t.Helper()
	var out []Record
	read(t, l, func(r *phase.Read) { out = reg.Records(r, id) })
	return out
}

func modeOf(t *testing.T, reg *Registry, l *phase.Lock, id UnitID) Mode {
	t.Helper()
	var m Mode
	read(t, l, func(r *phase.Read) {
		var err error
		m, err = reg.Mode(r, id)
		require.NoError(t, err)
	})
	return m
}

// =============================================================================
// Extraction and apply
// =============================================================================

func TestExtract_FreshUnitYieldsEveryCallSite(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "vec:1,2", "println:hi")
	id := register(t, reg, l, "file:///a.rs")
	assert.Equal(t, ModeFresh, modeOf(t, reg, l, id))

	items := extractAll(t, reg, l)
	require.Len(t, items, 2)
	assert.Equal(t, "vec", items[0].Site.Name)
	assert.Equal(t, 1, items[1].Position)
	assert.Equal(t, ModeStub, modeOf(t, reg, l, id))

	for _, rec := range records(t, reg, l, id) {
		_, err := rec.Result()
		var ee *ExpansionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, KindNotExpanded, ee.Kind)
	}
}

func TestApply_ReplacesRecordAndIndexesOutput(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "vec:1,2", "println:hi")
	id := register(t, reg, l, "file:///a.rs")

	items := extractAll(t, reg, l)
	ids := applyAll(t, reg, l, items)
	assert.NotEqual(t, items[0].Record, ids[0], "a replaced record gets a new ID")

	recs := records(t, reg, l, id)
	require.Len(t, recs, 2)
	assert.Equal(t, ids, []RecordID{recs[0].ID, recs[1].ID}, "positions are preserved")

	read(t, l, func(r *phase.Read) {
		p, ok := reg.Producer(r, "gen://file:///a.rs/1")
		require.True(t, ok)
		assert.Equal(t, ids[1], p.ID)
		_, ok = reg.Record(r, items[0].Record)
		assert.False(t, ok, "the replaced record is gone")
	})

	assert.Empty(t, extractAll(t, reg, l), "nothing left to expand")
}

func TestApply_ErrorOutcomeIsNotRetriedUntilDefinitionChanges(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "missing:x")
	register(t, reg, l, "file:///a.rs")

	items := extractAll(t, reg, l)
	require.Len(t, items, 1)
	mutate(t, l, func(w *phase.Write) {
		_, err := reg.Apply(w, items[0].Record, Outcome{Kind: KindUnresolved, CallHash: items[0].Site.BodyHash})
		require.NoError(t, err)
	})
	assert.Empty(t, extractAll(t, reg, l))

	host.define("missing", "d1")
	assert.Len(t, extractAll(t, reg, l), 1)
}

func TestApply_RefusesOutputOfAnotherRecord(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "m:1", "m:2")
	id := register(t, reg, l, "file:///a.rs")
	items := extractAll(t, reg, l)
	require.Len(t, items, 2)
	ids := applyAll(t, reg, l, items[:1])
	taken := Handle("gen://file:///a.rs/0")

	mutate(t, l, func(w *phase.Write) {
		_, err := reg.Apply(w, items[1].Record, Outcome{Output: taken, CallHash: items[1].Site.BodyHash})
		require.ErrorIs(t, err, ErrOutputClaimed)

		owner, ok := reg.Owner(w, taken)
		require.True(t, ok)
		assert.Equal(t, ids[0], owner)
		_, ok = reg.Record(w, items[1].Record)
		assert.True(t, ok, "the refused record stays in place")

		// The owner may produce the same output again.
		nid, err := reg.Apply(w, ids[0], Outcome{Output: taken, CallHash: items[0].Site.BodyHash})
		require.NoError(t, err)
		owner, ok = reg.Owner(w, taken)
		require.True(t, ok)
		assert.Equal(t, nid, owner)
	})

	recs := records(t, reg, l, id)
	require.Len(t, recs, 2)
	assert.Equal(t, items[1].Record, recs[1].ID)
	assert.Empty(t, recs[1].Output)
	assert.Len(t, extractAll(t, reg, l), 1, "the refused call site is still pending")
}

func TestApply_CancelledOutcomeIsRetried(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "vec:1")
	register(t, reg, l, "file:///a.rs")

	items := extractAll(t, reg, l)
	mutate(t, l, func(w *phase.Write) {
		_, err := reg.Apply(w, items[0].Record, Outcome{Kind: KindCancelled})
		require.NoError(t, err)
	})
	assert.Len(t, extractAll(t, reg, l), 1)
}

func TestExtractions_StagesByDepth(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "outer:x")
	host.set("file:///b.rs", "vec:y")
	register(t, reg, l, "file:///a.rs")
	register(t, reg, l, "file:///b.rs")
	applyAll(t, reg, l, extractAll(t, reg, l))

	gen := Handle("gen://file:///a.rs/0")
	host.set(gen, "inner:z")
	mutate(t, l, func(w *phase.Write) {
		id, ok := reg.Register(w, gen)
		require.True(t, ok)
		u, _ := reg.Unit(w, id)
		assert.Equal(t, 1, u.Depth)
	})

	var depths [][]int
	read(t, l, func(r *phase.Read) {
		for batch := range reg.Extractions(r) {
			var ds []int
			for _, e := range batch {
				ds = append(ds, e.Depth)
			}
			depths = append(depths, ds)
		}
	})
	assert.Equal(t, [][]int{{0, 0}, {1}}, depths)
}

func TestExtract_ConcurrentReaders(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	for i := range 40 {
		h := Handle(fmt.Sprintf("file:///f%02d.rs", i))
		host.set(h, "vec:a", "vec:b", "fmt:c")
		register(t, reg, l, h)
	}

	var mu sync.Mutex
	total := 0
	read(t, l, func(r *phase.Read) {
		for batch := range reg.Extractions(r) {
			var wg sync.WaitGroup
			for _, e := range batch {
				wg.Add(1)
				go func() {
					defer wg.Done()
					items, err := e.Extract(context.Background())
					assert.NoError(t, err)
					mu.Lock()
					total += len(items)
					mu.Unlock()
				}()
			}
			wg.Wait()
		}
	})
	assert.Equal(t, 120, total)
}

// =============================================================================
// Recovery
// =============================================================================

func TestRecovery_EditingOneCallSiteKeepsTheOther(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.define("vec", "def-vec")
	host.set("file:///a.rs", "vec:1,2", "vec:3,4")
	id := register(t, reg, l, "file:///a.rs")
	ids := applyAll(t, reg, l, extractAll(t, reg, l))

	host.editBody("file:///a.rs", 1, "5,6")
	assert.Equal(t, ModeLost, modeOf(t, reg, l, id))

	items := extractAll(t, reg, l)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Position)
	assert.NotEqual(t, ids[1], items[0].Record, "edited call site gets a new record")

	recs := records(t, reg, l, id)
	require.Len(t, recs, 3)
	assert.Equal(t, ids[0], recs[0].ID, "untouched call site keeps its record")
	assert.Equal(t, ids[1], recs[2].ID)
	assert.Equal(t, BindNone, recs[2].Binding)

	var removed int
	mutate(t, l, func(w *phase.Write) { removed = reg.Cleanup(w) })
	assert.Equal(t, 1, removed)
	assert.Len(t, records(t, reg, l, id), 2)
}

func TestRecovery_IsIdempotent(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.define("vec", "d")
	host.set("file:///a.rs", "vec:same", "vec:same", "fmt:other")
	id := register(t, reg, l, "file:///a.rs")
	items := extractAll(t, reg, l)
	applyAll(t, reg, l, items[1:2])

	recover := func() []Record {
		mutate(t, l, func(w *phase.Write) { require.NoError(t, reg.Invalidate(w, id)) })
		extractAll(t, reg, l)
		return records(t, reg, l, id)
	}
	first := recover()
	second := recover()
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestRecovery_MovedCallSitesKeepRecords(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.define("a", "da")
	host.define("b", "db")
	host.set("file:///a.rs", "a:1", "b:2")
	id := register(t, reg, l, "file:///a.rs")
	ids := applyAll(t, reg, l, extractAll(t, reg, l))

	host.swap("file:///a.rs", 0, 1)
	assert.Empty(t, extractAll(t, reg, l))
	recs := records(t, reg, l, id)
	require.Len(t, recs, 2)
	assert.Equal(t, []RecordID{ids[1], ids[0]}, []RecordID{recs[0].ID, recs[1].ID})
}

func TestRecovery_DefinitionChangeReexpands(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.define("vec", "v1")
	host.set("file:///a.rs", "vec:1")
	register(t, reg, l, "file:///a.rs")
	applyAll(t, reg, l, extractAll(t, reg, l))

	host.define("vec", "v2")
	items := extractAll(t, reg, l)
	require.Len(t, items, 1)
	assert.Equal(t, "v2", items[0].DefHash)
}

// =============================================================================
// Reference modes
// =============================================================================

func TestStrengthen_SurvivesReorderAndRelinks(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "a:1", "b:2")
	id := register(t, reg, l, "file:///a.rs")
	ids := applyAll(t, reg, l, extractAll(t, reg, l))

	mutate(t, l, func(w *phase.Write) {
		require.NoError(t, reg.Strengthen(context.Background(), w, id))
	})
	assert.Equal(t, ModeStrong, modeOf(t, reg, l, id))

	host.swap("file:///a.rs", 0, 1)
	mutate(t, l, func(w *phase.Write) { require.NoError(t, reg.NoteCallSitesAdded(w, id)) })
	assert.Equal(t, ModeStrong, modeOf(t, reg, l, id), "STRONG ignores call-site notifications")

	s, err := host.Structure(context.Background(), "file:///a.rs")
	require.NoError(t, err)
	read(t, l, func(r *phase.Read) {
		rid, ok, err := reg.FindRecord(context.Background(), r, id, s.CallSites()[0])
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ids[1], rid, "reference follows the moved call")

		require.NoError(t, reg.Relink(context.Background(), r, id))
	})
	assert.Equal(t, ModeStub, modeOf(t, reg, l, id))
	recs := records(t, reg, l, id)
	assert.Equal(t, []RecordID{ids[1], ids[0]}, []RecordID{recs[0].ID, recs[1].ID})
	assert.Equal(t, StructIndex("0"), recs[0].Index)
}

func TestNoteCallSitesAdded_InvalidatesStub(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "a:1")
	id := register(t, reg, l, "file:///a.rs")
	extractAll(t, reg, l)
	assert.Equal(t, ModeStub, modeOf(t, reg, l, id))

	mutate(t, l, func(w *phase.Write) { require.NoError(t, reg.NoteCallSitesAdded(w, id)) })
	assert.Equal(t, ModeLost, modeOf(t, reg, l, id))
}

func TestFindRecord_ByMode(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "a:1", "b:2")
	id := register(t, reg, l, "file:///a.rs")
	s, err := host.Structure(context.Background(), "file:///a.rs")
	require.NoError(t, err)
	site := s.CallSites()[1]

	read(t, l, func(r *phase.Read) {
		_, ok, err := reg.FindRecord(context.Background(), r, id, site)
		require.NoError(t, err)
		assert.False(t, ok, "FRESH units have no bound records")
	})

	items := extractAll(t, reg, l)
	read(t, l, func(r *phase.Read) {
		rid, ok, err := reg.FindRecord(context.Background(), r, id, site)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, items[1].Record, rid)

		cs, ok, err := reg.FindCallSite(context.Background(), r, rid)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", cs.Name)
	})

	host.remove("file:///a.rs")
	assert.Equal(t, ModeInvalid, modeOf(t, reg, l, id))
	read(t, l, func(r *phase.Read) {
		_, ok, err := reg.FindRecord(context.Background(), r, id, site)
		require.NoError(t, err)
		assert.False(t, ok)
	})
	assert.Empty(t, extractAll(t, reg, l), "INVALID units are skipped")

	host.set("file:///a.rs", "a:1", "b:2")
	assert.Equal(t, ModeFresh, modeOf(t, reg, l, id))
	again := extractAll(t, reg, l)
	require.Len(t, again, 2, "unexpanded records are handed out again")
	assert.Equal(t, items[0].Record, again[0].Record)
	assert.Equal(t, items[1].Record, again[1].Record)
	s, err = host.Structure(context.Background(), "file:///a.rs")
	require.NoError(t, err)
	read(t, l, func(r *phase.Read) {
		rid, ok, err := reg.FindRecord(context.Background(), r, id, s.CallSites()[1])
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, items[1].Record, rid)
	})
}

func TestInvalidUnit_ComesBackFresh(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "a:1", "b:2")
	id := register(t, reg, l, "file:///a.rs")
	ids := applyAll(t, reg, l, extractAll(t, reg, l))

	host.remove("file:///a.rs")
	assert.Equal(t, ModeInvalid, modeOf(t, reg, l, id))

	// The text returns reordered under the stamp the unit was bound at, so
	// only content can put the records back in place.
	host.set("file:///a.rs", "b:2", "a:1")
	assert.Equal(t, ModeFresh, modeOf(t, reg, l, id))

	assert.Empty(t, extractAll(t, reg, l))
	assert.Equal(t, ModeStub, modeOf(t, reg, l, id))
	recs := records(t, reg, l, id)
	require.Len(t, recs, 2)
	assert.Equal(t, []RecordID{ids[1], ids[0]}, []RecordID{recs[0].ID, recs[1].ID})

	host.set("file:///a.rs", "b:2", "c:3", "a:1")
	items := extractAll(t, reg, l)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].Site.Name)
	assert.Equal(t, 1, items[0].Position)
}

func TestRelink_BrokenReferencesWarnAndRecover(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	reg, host, l := newTestRegistry(t, WithLogger(zap.New(core)))
	host.set("file:///a.rs", "a:1", "b:2")
	id := register(t, reg, l, "file:///a.rs")
	ids := applyAll(t, reg, l, extractAll(t, reg, l))
	mutate(t, l, func(w *phase.Write) {
		require.NoError(t, reg.Strengthen(context.Background(), w, id))
	})

	// A rewritten document has none of the referenced calls.
	host.set("file:///a.rs", "b:2", "a:1")
	read(t, l, func(r *phase.Read) {
		require.NoError(t, reg.Relink(context.Background(), r, id))
	})
	assert.Equal(t, ModeStub, modeOf(t, reg, l, id))

	entries := logs.FilterMessage("references no longer map to call sites, recovering").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "file:///a.rs", fields["handle"])
	assert.Equal(t, int64(StampStrong), fields["unit_stamp"])
	assert.Equal(t, int64(2), fields["structure_stamp"])

	recs := records(t, reg, l, id)
	require.Len(t, recs, 2)
	assert.Equal(t, []RecordID{ids[1], ids[0]}, []RecordID{recs[0].ID, recs[1].ID})
}

func TestFindCallSite_BrokenIndexRecovers(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	reg, host, l := newTestRegistry(t, WithLogger(zap.New(core)))
	host.set("file:///a.rs", "a:1")

	mutate(t, l, func(w *phase.Write) {
		reg.Restore(w, Snapshot{Units: []UnitSnapshot{{
			Handle: "file:///a.rs",
			Stamp:  1,
			Records: []RecordSnapshot{{
				Output: "gen://x", CallHash: bodyHash("1"), Index: "7",
			}},
		}}})
	})

	var rid RecordID
	read(t, l, func(r *phase.Read) {
		id, ok := reg.Lookup(r, "file:///a.rs")
		require.True(t, ok)
		rid = reg.Records(r, id)[0].ID

		cs, ok, err := reg.FindCallSite(context.Background(), r, rid)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", cs.Name)
	})
	assert.Equal(t, 1, logs.FilterMessage("bound index does not resolve").Len())
}

// =============================================================================
// Depth, cleanup, snapshot
// =============================================================================

func TestRegister_RecursionLimit(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t, WithRecursionLimit(2))
	host.set("file:///a.rs", "m:0")
	register(t, reg, l, "file:///a.rs")
	applyAll(t, reg, l, extractAll(t, reg, l))

	gen1 := Handle("gen://file:///a.rs/0")
	host.set(gen1, "m:1")
	register(t, reg, l, gen1)
	applyAll(t, reg, l, extractAll(t, reg, l))

	gen2 := Handle("gen://" + string(gen1) + "/0")
	mutate(t, l, func(w *phase.Write) {
		_, ok := reg.Register(w, gen2)
		assert.False(t, ok, "depth 2 is beyond a limit of 2")
	})
}

func TestRelocate(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "m:0")
	id := register(t, reg, l, "file:///a.rs")
	mutate(t, l, func(w *phase.Write) {
		require.NoError(t, reg.Relocate(w, []UnitID{id}, 3))
		u, _ := reg.Unit(w, id)
		assert.Equal(t, 3, u.Depth)
		require.Error(t, reg.Relocate(w, []UnitID{id}, DefaultRecursionLimit))
	})
}

func TestCleanup_CascadesToGeneratedUnits(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "m:0")
	id := register(t, reg, l, "file:///a.rs")
	applyAll(t, reg, l, extractAll(t, reg, l))

	gen := Handle("gen://file:///a.rs/0")
	host.set(gen, "n:1")
	register(t, reg, l, gen)

	host.editBody("file:///a.rs", 0, "changed")
	extractAll(t, reg, l)

	mutate(t, l, func(w *phase.Write) {
		assert.Equal(t, 2, reg.Cleanup(w), "stale record and its generated unit")
		_, ok := reg.Lookup(w, gen)
		assert.False(t, ok)
		_, ok = reg.Lookup(w, "file:///a.rs")
		assert.True(t, ok)
	})
	assert.Len(t, records(t, reg, l, id), 1)
}

func TestPrune_LastRecordRemovesUnit(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "m:0")
	id := register(t, reg, l, "file:///a.rs")
	items := extractAll(t, reg, l)

	mutate(t, l, func(w *phase.Write) {
		require.NoError(t, reg.Prune(w, items[0].Record))
		_, ok := reg.Unit(w, id)
		assert.False(t, ok)
		require.ErrorIs(t, reg.Prune(w, items[0].Record), ErrUnknownRecord)
	})
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t, WithRecursionLimit(2))
	host.set("file:///a.rs", "m:0", "m:1")
	host.set("file:///b.rs", "m:2")
	a := register(t, reg, l, "file:///a.rs")
	register(t, reg, l, "file:///b.rs")
	applyAll(t, reg, l, extractAll(t, reg, l))
	mutate(t, l, func(w *phase.Write) { require.NoError(t, reg.Strengthen(context.Background(), w, a)) })

	var snap Snapshot
	read(t, l, func(r *phase.Read) { snap = reg.Snapshot(r) })
	require.Len(t, snap.Units, 2)
	assert.Equal(t, StampForceRelink, snap.Units[0].Stamp, "STRONG is saved as forced relink")
	assert.Empty(t, snap.Units[0].Records[0].Index)
	assert.Equal(t, StructIndex("0"), snap.Units[1].Records[0].Index)

	snap.Units = append(snap.Units, UnitSnapshot{Handle: "gen://deep", Depth: 5})

	restored, rl := New(host, WithRecursionLimit(2)), &phase.Lock{}
	mutate(t, rl, func(w *phase.Write) {
		assert.Equal(t, 2, restored.Restore(w, snap))
	})
	assert.Empty(t, extractAll(t, restored, rl), "restored outputs are reused")

	read(t, rl, func(r *phase.Read) {
		p, ok := restored.Producer(r, "gen://file:///b.rs/0")
		require.True(t, ok)
		assert.Equal(t, KindNone, p.Kind)
	})
}

func TestTokens_ExpiredWriteTokenPanics(t *testing.T) {
	t.Parallel()
	reg, host, l := newTestRegistry(t)
	host.set("file:///a.rs", "m:0")
	var leaked *phase.Write
	mutate(t, l, func(w *phase.Write) { leaked = w })
	assert.Panics(t, func() { reg.Register(leaked, "file:///a.rs") })
}

func TestParseErrorKind(t *testing.T) {
	t.Parallel()
	for _, k := range []ErrorKind{KindNone, KindNotExpanded, KindUnresolved, KindScriptFailure, KindLimitExceeded, KindCancelled} {
		got, err := ParseErrorKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseErrorKind("bogus")
	require.Error(t, err)
}
