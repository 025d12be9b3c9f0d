package syntax

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound means a handle has no content.
var ErrNotFound = errors.New("syntax: handle not found")

// GeneratedSource supplies the content of gen:// handles.
type GeneratedSource interface {
	GeneratedContent(handle string) ([]byte, bool, error)
}

// Workspace caches parsed documents by handle. Files are read from disk on
// first use; Edit installs an in-memory overlay that Refresh leaves alone
// until the handle is reloaded explicitly.
type Workspace struct {
	gen GeneratedSource

	mu      sync.RWMutex
	docs    map[string]*Document
	overlay map[string]bool

	loads singleflight.Group
}

// NewWorkspace creates a Workspace. gen may be nil if no generated handles
// will be opened.
func NewWorkspace(gen GeneratedSource) *Workspace {
	return &Workspace{
		gen:     gen,
		docs:    make(map[string]*Document),
		overlay: make(map[string]bool),
	}
}

// Document returns the parsed document for handle, loading it on first use.
// Concurrent first loads of one handle share a single parse.
func (w *Workspace) Document(ctx context.Context, handle string) (*Document, error) {
	w.mu.RLock()
	d, ok := w.docs[handle]
	w.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := w.loads.Do(handle, func() (any, error) {
		w.mu.RLock()
		d, ok := w.docs[handle]
		w.mu.RUnlock()
		if ok {
			return d, nil
		}
		src, err := w.read(handle)
		if err != nil {
			return nil, err
		}
		d, err = Parse(ctx, handle, src)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		if existing, ok := w.docs[handle]; ok {
			d = existing
		} else {
			w.docs[handle] = d
		}
		w.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Stamp returns the stamp of handle, or false if it cannot be loaded.
func (w *Workspace) Stamp(handle string) (int64, bool) {
	d, err := w.Document(context.Background(), handle)
	if err != nil {
		return 0, false
	}
	return d.Stamp, true
}

func (w *Workspace) read(handle string) ([]byte, error) {
	if IsGenerated(handle) {
		if w.gen == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		src, ok, err := w.gen.GeneratedContent(handle)
		if err != nil {
			return nil, fmt.Errorf("syntax: load %s: %w", handle, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		return src, nil
	}
	path, ok := PathOf(handle)
	if !ok {
		return nil, fmt.Errorf("syntax: unsupported handle %q", handle)
	}
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("syntax: read %s: %w", path, err)
	}
	return src, nil
}

// Edit replaces bytes [start, end) of handle's current text with text and
// installs the result as an overlay. Calls outside the edited range keep
// their identity.
func (w *Workspace) Edit(ctx context.Context, handle string, start, end int, text string) (*Document, error) {
	prev, err := w.Document(ctx, handle)
	if err != nil {
		return nil, err
	}
	if start < 0 || end < start || end > len(prev.Source) {
		return nil, fmt.Errorf("syntax: edit %s: range [%d,%d) outside [0,%d)", handle, start, end, len(prev.Source))
	}
	next := make([]byte, 0, len(prev.Source)-(end-start)+len(text))
	next = append(next, prev.Source[:start]...)
	next = append(next, text...)
	next = append(next, prev.Source[end:]...)

	d, err := rebase(ctx, prev, next)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.docs[handle] = d
	w.overlay[handle] = true
	w.mu.Unlock()
	return d, nil
}

// Reload rereads handle from its source, dropping any overlay. It reports
// whether the content changed. A handle whose source disappeared is
// forgotten and reported as changed.
func (w *Workspace) Reload(ctx context.Context, handle string) (bool, error) {
	w.mu.RLock()
	prev, loaded := w.docs[handle]
	w.mu.RUnlock()

	src, err := w.read(handle)
	if errors.Is(err, ErrNotFound) {
		w.Forget(handle)
		return loaded, nil
	}
	if err != nil {
		return false, err
	}
	if !loaded {
		_, err := w.Document(ctx, handle)
		return true, err
	}

	w.mu.Lock()
	delete(w.overlay, handle)
	w.mu.Unlock()
	if ContentStamp(src) == prev.Stamp {
		return false, nil
	}
	d, err := rebase(ctx, prev, src)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	w.docs[handle] = d
	w.mu.Unlock()
	return true, nil
}

// Refresh reloads every loaded file handle without an overlay and returns
// the handles whose content changed, sorted.
func (w *Workspace) Refresh(ctx context.Context) ([]string, error) {
	w.mu.RLock()
	var handles []string
	for h := range w.docs {
		if !IsGenerated(h) && !w.overlay[h] {
			handles = append(handles, h)
		}
	}
	w.mu.RUnlock()
	sort.Strings(handles)

	var changed []string
	for _, h := range handles {
		ok, err := w.Reload(ctx, h)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, h)
		}
	}
	return changed, nil
}

// Forget drops a cached document.
func (w *Workspace) Forget(handle string) {
	w.mu.Lock()
	delete(w.docs, handle)
	delete(w.overlay, handle)
	w.mu.Unlock()
}

// Handles returns the loaded handles, sorted.
func (w *Workspace) Handles() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.docs))
	for h := range w.docs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
