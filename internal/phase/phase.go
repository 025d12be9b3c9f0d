// Package phase implements the project-wide two-phase lock: one exclusive
// mutating phase or any number of shared reading phases.
//
// Code that needs the lock receives a token instead of consulting ambient
// state. A token is only valid inside the callback that produced it; using
// it afterwards panics.
package phase

import (
	"sync"
	"sync/atomic"
)

// Token is held by code running inside either phase.
type Token interface {
	// Exclusive reports whether the token was issued by Mutate.
	Exclusive() bool
	// Assert panics if the token is used outside its phase.
	Assert()
}

// Write is the token for the exclusive mutating phase.
type Write struct {
	live atomic.Bool
}

// Read is the token for the shared reading phase.
type Read struct {
	live atomic.Bool
}

var (
	_ Token = (*Write)(nil)
	_ Token = (*Read)(nil)
)

func (w *Write) Exclusive() bool { return true }

func (w *Write) Assert() {
	if w == nil || !w.live.Load() {
		panic("phase: write token used outside the mutating phase")
	}
}

func (r *Read) Exclusive() bool { return false }

func (r *Read) Assert() {
	if r == nil || !r.live.Load() {
		panic("phase: read token used outside the reading phase")
	}
}

// Lock hands out phase tokens. The zero value is ready to use.
type Lock struct {
	mu sync.RWMutex
}

// Mutate runs fn with exclusive access.
func (l *Lock) Mutate(fn func(w *Write) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := &Write{}
	w.live.Store(true)
	defer w.live.Store(false)
	return fn(w)
}

// Read runs fn with shared access. Several Read callbacks may run at once.
func (l *Lock) Read(fn func(r *Read) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r := &Read{}
	r.live.Store(true)
	defer r.live.Store(false)
	return fn(r)
}
