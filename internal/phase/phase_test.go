package phase

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutate_TokenIsExclusive(t *testing.T) {
	t.Parallel()
	var l Lock
	err := l.Mutate(func(w *Write) error {
		assert.True(t, w.Exclusive())
		assert.NotPanics(t, w.Assert)
		return nil
	})
	require.NoError(t, err)
}

func TestRead_TokenIsShared(t *testing.T) {
	t.Parallel()
	var l Lock
	err := l.Read(func(r *Read) error {
		assert.False(t, r.Exclusive())
		assert.NotPanics(t, r.Assert)
		return nil
	})
	require.NoError(t, err)
}

func TestToken_ExpiresAfterCallback(t *testing.T) {
	t.Parallel()
	var l Lock

	var w *Write
	require.NoError(t, l.Mutate(func(tok *Write) error {
		w = tok
		return nil
	}))
	assert.Panics(t, w.Assert)

	var r *Read
	require.NoError(t, l.Read(func(tok *Read) error {
		r = tok
		return nil
	}))
	assert.Panics(t, r.Assert)
}

func TestNilToken_Panics(t *testing.T) {
	t.Parallel()
	var w *Write
	var r *Read
	assert.Panics(t, w.Assert)
	assert.Panics(t, r.Assert)
}

func TestCallbackErrorPropagates(t *testing.T) {
	t.Parallel()
	var l Lock
	boom := errors.New("boom")
	assert.ErrorIs(t, l.Mutate(func(*Write) error { return boom }), boom)
	assert.ErrorIs(t, l.Read(func(*Read) error { return boom }), boom)
}

func TestReadersOverlap(t *testing.T) {
	t.Parallel()
	var l Lock

	// Both readers must be inside the phase at the same time for the
	// barrier to release.
	var inside sync.WaitGroup
	inside.Add(2)
	var done sync.WaitGroup
	for range 2 {
		done.Add(1)
		go func() {
			defer done.Done()
			_ = l.Read(func(*Read) error {
				inside.Done()
				inside.Wait()
				return nil
			})
		}()
	}
	done.Wait()
}

func TestMutateExcludesReaders(t *testing.T) {
	t.Parallel()
	var l Lock
	var active atomic.Int32
	var overlap atomic.Bool

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = l.Mutate(func(*Write) error {
					if active.Add(1) != 1 {
						overlap.Store(true)
					}
					time.Sleep(time.Millisecond)
					active.Add(-1)
					return nil
				})
				return
			}
			_ = l.Read(func(*Read) error {
				active.Add(1)
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}
