package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// UnitID names a compilation unit.
type UnitID string

// Graph describes dependency edges between units. Dependencies may name
// units outside the build set; those are ignored for counting.
type Graph interface {
	Deps(unit UnitID) []UnitID
	Dependents(unit UnitID) []UnitID
}

// BuildFunc computes one unit's artifact from the artifacts of its
// transitive dependency closure.
type BuildFunc[A any] func(ctx context.Context, unit UnitID, deps map[UnitID]A) (A, error)

// ArtifactStore receives each unit's artifact once it is built. Publish must
// write the artifact, clear the unit's needs-rebuild flag and record the
// stamp as one atomic publication.
type ArtifactStore[A any] interface {
	Publish(ctx context.Context, unit UnitID, artifact A, stamp int64) error
}

// Policy decides what happens when an artifact in a unit's dependency
// closure is unavailable.
type Policy int

const (
	// FailSoft omits the missing artifact from the build input.
	FailSoft Policy = iota
	// FailFast fails the unit with ErrMissingDependency.
	FailFast
)

func (p Policy) String() string {
	switch p {
	case FailSoft:
		return "soft"
	case FailFast:
		return "fast"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "soft" or "fast".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "soft":
		return FailSoft, nil
	case "fast":
		return FailFast, nil
	default:
		return FailSoft, fmt.Errorf("scheduler: unknown missing-dependency policy %q (want soft|fast)", s)
	}
}

var (
	ErrEmptyBuildSet     = errors.New("scheduler: empty build set")
	ErrMissingDependency = errors.New("scheduler: missing dependency artifact")
	ErrUnsorted          = errors.New("scheduler: build set is not topologically sorted")
	ErrIncomplete        = errors.New("scheduler: build finished with unbuilt units")
)

// Request is the input of one build pass.
type Request[A any] struct {
	// Units in topological order. Must be non-empty.
	Units []UnitID
	Graph Graph
	// Prebuilt holds artifacts of units outside the build set.
	Prebuilt map[UnitID]A
	Build    BuildFunc[A]
	Store    ArtifactStore[A]
	// Pool runs unit builds. Nil or Synchronous builds on the calling goroutine.
	Pool        Pool
	Stamp       int64
	MissingDeps Policy
	Logger      *zap.Logger
}
