// Package attrs stores side-channel attributes of expansion outputs: the
// range map between call body and output text, and the mix hash of the
// inputs an output was computed from. Attributes live in badger under
// versioned envelopes; an absent or mismatched attribute reads as a miss
// and is recomputed by the caller. Range maps are also held in an LRU so
// hot lookups skip the database.
package attrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EncodingVersion tags every stored attribute.
const EncodingVersion = "attrs-json/1"

// DefaultCacheSize is the number of range maps kept in memory.
const DefaultCacheSize = 1024

const (
	rangeMapPrefix = "rm/"
	mixHashPrefix  = "mh/"
)

// Config holds configuration for an attribute store.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is true.
	Dir      string
	InMemory bool
	// SyncWrites trades write latency for durability.
	SyncWrites bool
	CacheSize  int
	Logger     *zap.Logger
}

// Store is the attribute store. It is safe for concurrent use.
type Store struct {
	db     *badger.DB
	cache  *lru.Cache
	loads  singleflight.Group
	logger *zap.Logger
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// Open opens the attribute store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("attrs: dir is required for a persistent store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("attrs: create directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("attrs: open badger: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("attrs: cache: %w", err)
	}
	return &Store{db: db, cache: cache, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type envelope struct {
	Version string          `json:"v"`
	Data    json.RawMessage `json:"data"`
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("attrs: encode %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Version: EncodingVersion, Data: data})
	if err != nil {
		return fmt.Errorf("attrs: encode %s: %w", key, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	}); err != nil {
		return fmt.Errorf("attrs: put %s: %w", key, err)
	}
	return nil
}

// get decodes the attribute at key into v. Missing keys, foreign versions
// and undecodable payloads all report false.
func (s *Store) get(key string, v any) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attrs: get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != EncodingVersion {
		s.logger.Debug("attribute miss: foreign encoding", zap.String("key", key), zap.String("version", env.Version))
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.logger.Debug("attribute miss: undecodable", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// PutRangeMap stores the range map of an output handle.
func (s *Store) PutRangeMap(handle string, m RangeMap) error {
	if err := s.put(rangeMapPrefix+handle, m); err != nil {
		return err
	}
	s.cache.Add(handle, m)
	return nil
}

// RangeMap returns the stored range map of handle.
func (s *Store) RangeMap(handle string) (RangeMap, bool, error) {
	if v, ok := s.cache.Get(handle); ok {
		return v.(RangeMap), true, nil
	}
	var m RangeMap
	ok, err := s.get(rangeMapPrefix+handle, &m)
	if err != nil || !ok {
		return RangeMap{}, false, err
	}
	s.cache.Add(handle, m)
	return m, true, nil
}

// LoadRangeMap returns the range map of handle, computing and storing it
// with recompute on a miss. Concurrent misses for one handle share a single
// recompute.
func (s *Store) LoadRangeMap(ctx context.Context, handle string, recompute func(context.Context) (RangeMap, error)) (RangeMap, error) {
	if m, ok, err := s.RangeMap(handle); err != nil || ok {
		return m, err
	}
	v, err, _ := s.loads.Do(handle, func() (any, error) {
		if m, ok, err := s.RangeMap(handle); err != nil || ok {
			return m, err
		}
		m, err := recompute(ctx)
		if err != nil {
			return RangeMap{}, fmt.Errorf("attrs: recompute range map of %s: %w", handle, err)
		}
		if err := s.PutRangeMap(handle, m); err != nil {
			return RangeMap{}, err
		}
		return m, nil
	})
	if err != nil {
		return RangeMap{}, err
	}
	return v.(RangeMap), nil
}

// PutMixHash stores the mix hash of an output handle.
func (s *Store) PutMixHash(handle, hash string) error {
	return s.put(mixHashPrefix+handle, hash)
}

// MixHash returns the stored mix hash of handle.
func (s *Store) MixHash(handle string) (string, bool, error) {
	var h string
	ok, err := s.get(mixHashPrefix+handle, &h)
	return h, ok, err
}

// Evict drops handle's range map from memory. The stored copy is kept.
func (s *Store) Evict(handle string) {
	s.cache.Remove(handle)
}

// Purge drops every cached range map.
func (s *Store) Purge() {
	s.cache.Purge()
}

// Cached reports how many range maps are held in memory.
func (s *Store) Cached() int {
	return s.cache.Len()
}

// Delete removes every attribute of the given handles.
func (s *Store) Delete(handles ...string) error {
	if len(handles) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, h := range handles {
			for _, key := range []string{rangeMapPrefix + h, mixHashPrefix + h} {
				if err := txn.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("attrs: delete: %w", err)
	}
	for _, h := range handles {
		s.cache.Remove(h)
	}
	return nil
}
