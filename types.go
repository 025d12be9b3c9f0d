package understory

import (
	"github.com/jward/understory/internal/attrs"
	"github.com/jward/understory/internal/registry"
	"github.com/jward/understory/internal/scheduler"
	"github.com/jward/understory/internal/store"
)

// Public type aliases for internal types used in the Engine and QueryBuilder
// API.

type Store = store.Store
type Generated = store.Generated
type Versions = store.Versions
type RangeMap = attrs.RangeMap
type RangeEntry = attrs.RangeEntry
type UnitID = scheduler.UnitID
type Policy = scheduler.Policy
type ErrorKind = registry.ErrorKind
type Mode = registry.Mode

const (
	FailSoft = scheduler.FailSoft
	FailFast = scheduler.FailFast
)
