package understory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jward/understory/internal/attrs"
	"github.com/jward/understory/internal/manifest"
	"github.com/jward/understory/internal/phase"
	"github.com/jward/understory/internal/registry"
	understoryrt "github.com/jward/understory/internal/runtime"
	"github.com/jward/understory/internal/scheduler"
	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/internal/syntax"
)

// ErrNotRegistered means a handle has no source unit in the registry.
var ErrNotRegistered = errors.New("understory: handle is not registered")

// Engine orchestrates the pipeline: definition-map builds, expansion sweeps,
// edits, persistence and query access.
type Engine struct {
	store   *store.Store
	attrs   *attrs.Store
	runtime *understoryrt.Runtime
	ws      *syntax.Workspace
	reg     *registry.Registry
	logger  *zap.Logger

	// lock is the two-phase lock over the registry and workspace. opMu
	// serializes the Engine's own operations so a Read phase taken inside a
	// scheduler worker never waits behind a pending Mutate.
	lock phase.Lock
	opMu sync.Mutex

	scriptsDir string
	scriptsFS  fs.FS
	attrsDir   string
	workers    int
	limit      int
	policy     scheduler.Policy
	maxOutput  int
	timeout    time.Duration
	pool       scheduler.Pool

	closeOnce sync.Once
	closeErr  error

	mu    sync.RWMutex
	graph *manifest.Graph
	defs  map[scheduler.UnitID]DefinitionMap
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the Engine's logger. Subsystems log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWorkers bounds build and expansion concurrency. One worker runs every
// build on the calling goroutine.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRecursionLimit bounds the depth of nested expansions.
func WithRecursionLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithMissingDependencies sets what a build does when a dependency's
// artifact is unavailable.
func WithMissingDependencies(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithScriptsFS loads expansion scripts from fsys instead of scriptsDir.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// WithAttrsDir stores side-channel attributes in a badger database under
// dir. Without it attributes are kept in memory.
func WithAttrsDir(dir string) Option {
	return func(e *Engine) {
		e.attrsDir = dir
	}
}

// WithMaxOutput bounds the size of one expansion output.
func WithMaxOutput(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

// WithExpandTimeout bounds the run time of one expansion script.
func WithExpandTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// New creates an Engine backed by a SQLite database at dbPath. Scripts are
// loaded from the WithScriptsFS filesystem when set, otherwise from
// scriptsDir.
func New(dbPath, scriptsDir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		scriptsDir: scriptsDir,
		workers:    runtime.NumCPU(),
		limit:      registry.DefaultRecursionLimit,
		maxOutput:  understoryrt.DefaultMaxOutput,
		logger:     zap.NewNop(),
		defs:       make(map[scheduler.UnitID]DefinitionMap),
	}
	for _, opt := range opts {
		opt(e)
	}

	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("understory: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("understory: migrate: %w", err)
	}
	e.store = s

	a, err := attrs.Open(attrs.Config{
		Dir:      e.attrsDir,
		InMemory: e.attrsDir == "",
		Logger:   e.logger.Named("attrs"),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("understory: open attributes: %w", err)
	}
	e.attrs = a

	rtOpts := []understoryrt.Option{
		understoryrt.WithLogger(e.logger.Named("runtime")),
		understoryrt.WithMaxOutput(e.maxOutput),
		understoryrt.WithTimeout(e.timeout),
	}
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, understoryrt.WithFS(e.scriptsFS))
	}
	e.runtime = understoryrt.New(scriptsDir, rtOpts...)

	e.ws = syntax.NewWorkspace(generatedSource{store: s})
	e.reg = registry.New(&host{e: e},
		registry.WithRecursionLimit(e.limit),
		registry.WithLogger(e.logger.Named("registry")))

	e.pool = scheduler.Synchronous
	if e.workers > 1 {
		e.pool = scheduler.NewWorkerPool(e.workers)
	}
	return e, nil
}

// Close releases the Engine's database resources. Later calls return the
// first call's result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.attrs.Close(), e.store.Close())
	})
	return e.closeErr
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// Query returns a new QueryBuilder over the Engine's state.
func (e *Engine) Query() *QueryBuilder {
	return &QueryBuilder{e: e}
}

// handleOf accepts a file path or an existing handle.
func handleOf(pathOrHandle string) string {
	if syntax.IsGenerated(pathOrHandle) {
		return pathOrHandle
	}
	if _, ok := syntax.PathOf(pathOrHandle); ok {
		return pathOrHandle
	}
	return syntax.FileHandle(pathOrHandle)
}

// Edit replaces bytes [start, end) of a file or generated output with text
// in memory. Call sites outside the edited range keep their identity, so
// STRONG units keep their bindings; others recover on the next sweep.
func (e *Engine) Edit(ctx context.Context, pathOrHandle string, start, end int, text string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	h := handleOf(pathOrHandle)

	return e.lock.Mutate(func(w *phase.Write) error {
		prev, err := e.ws.Document(ctx, h)
		if err != nil {
			return fmt.Errorf("understory: edit %s: %w", h, err)
		}
		next, err := e.ws.Edit(ctx, h, start, end, text)
		if err != nil {
			return fmt.Errorf("understory: edit %s: %w", h, err)
		}
		id, ok := e.reg.Lookup(w, registry.Handle(h))
		if !ok {
			return nil
		}
		if len(next.Sites) > len(prev.Sites) {
			return e.reg.NoteCallSitesAdded(w, id)
		}
		return nil
	})
}

// Reload drops in-memory edits of a file and rereads it from disk.
func (e *Engine) Reload(ctx context.Context, pathOrHandle string) (bool, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	h := handleOf(pathOrHandle)

	var changed bool
	err := e.lock.Mutate(func(w *phase.Write) error {
		var err error
		changed, err = e.ws.Reload(ctx, h)
		return err
	})
	return changed, err
}

// Invalidate forces a unit to recover its bindings on next use.
func (e *Engine) Invalidate(pathOrHandle string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	h := handleOf(pathOrHandle)

	return e.lock.Mutate(func(w *phase.Write) error {
		id, ok := e.reg.Lookup(w, registry.Handle(h))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, h)
		}
		return e.reg.Invalidate(w, id)
	})
}

// Strengthen pins a unit's records to direct call references so they
// survive later edits of the unit.
func (e *Engine) Strengthen(ctx context.Context, pathOrHandle string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	h := handleOf(pathOrHandle)

	return e.lock.Mutate(func(w *phase.Write) error {
		id, ok := e.reg.Lookup(w, registry.Handle(h))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, h)
		}
		return e.reg.Strengthen(ctx, w, id)
	})
}

// Relink returns a STRONG unit to index bindings.
func (e *Engine) Relink(ctx context.Context, pathOrHandle string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	h := handleOf(pathOrHandle)

	return e.lock.Mutate(func(w *phase.Write) error {
		id, ok := e.reg.Lookup(w, registry.Handle(h))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, h)
		}
		return e.reg.Relink(ctx, w, id)
	})
}

// generatedSource serves gen:// handles to the workspace from the store.
type generatedSource struct {
	store *store.Store
}

func (g generatedSource) GeneratedContent(handle string) ([]byte, bool, error) {
	row, err := g.store.GeneratedByHandle(handle)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	return []byte(row.Content), true, nil
}
