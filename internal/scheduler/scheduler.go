// Package scheduler builds one artifact per compilation unit in dependency
// order. A unit starts as soon as every in-set dependency has published its
// artifact; independent units build concurrently on the supplied Pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// pass holds the state of one Run. pending and outcome are the only fields
// touched by several workers at once.
type pass[A any] struct {
	req    Request[A]
	ctx    context.Context
	logger *zap.Logger

	index   map[UnitID]int
	pending []atomic.Int32
	outcome sync.Map // UnitID -> A, write-once

	remaining atomic.Int64
	failure   atomic.Pointer[error]
	wg        sync.WaitGroup
}

// Run builds every unit in req.Units exactly once and publishes each
// artifact to req.Store. The returned map holds the artifacts built by this
// pass; on failure it holds only the units that completed before the first
// error, which is returned.
func Run[A any](ctx context.Context, req Request[A]) (map[UnitID]A, error) {
	if len(req.Units) == 0 {
		return nil, ErrEmptyBuildSet
	}
	logger := req.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	passID := uuid.NewString()[:12]
	logger = logger.With(zap.String("pass", passID))

	mode := "parallel"
	if isSynchronous(req.Pool) {
		mode = "sync"
	}
	ctx, span := tracer.Start(ctx, "scheduler.Run", trace.WithAttributes(
		attribute.String("scheduler.pass", passID),
		attribute.String("scheduler.mode", mode),
		attribute.Int("scheduler.units", len(req.Units)),
	))
	defer span.End()

	p := &pass[A]{
		req:    req,
		ctx:    ctx,
		logger: logger,
		index:  make(map[UnitID]int, len(req.Units)),
	}
	if err := p.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	logger.Debug("build pass started", zap.String("mode", mode), zap.Int("units", len(req.Units)))
	if mode == "sync" {
		p.runSync()
	} else {
		p.runParallel()
	}

	built := p.results()
	err := p.err()
	if err == nil && p.remaining.Load() != 0 {
		err = fmt.Errorf("%w: %d unit(s) never became ready", ErrIncomplete, p.remaining.Load())
	}
	recordPassMetrics(ctx, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("build pass failed", zap.Int("built", len(built)), zap.Error(err))
		return built, err
	}
	logger.Debug("build pass finished", zap.Int("built", len(built)), zap.Duration("elapsed", time.Since(start)))
	return built, nil
}

// validate indexes the units, rejects duplicates, and checks that every
// in-set dependency precedes its dependent. It also seeds the pending counts.
func (p *pass[A]) validate() error {
	for i, u := range p.req.Units {
		if _, dup := p.index[u]; dup {
			return fmt.Errorf("%w: unit %s listed twice", ErrUnsorted, u)
		}
		p.index[u] = i
	}
	p.pending = make([]atomic.Int32, len(p.req.Units))
	for i, u := range p.req.Units {
		seen := make(map[UnitID]bool)
		for _, d := range p.req.Graph.Deps(u) {
			j, ok := p.index[d]
			if !ok || seen[d] {
				continue
			}
			seen[d] = true
			if j >= i {
				return fmt.Errorf("%w: unit %s precedes its dependency %s", ErrUnsorted, u, d)
			}
			p.pending[i].Add(1)
		}
	}
	p.remaining.Store(int64(len(p.req.Units)))
	return nil
}

func (p *pass[A]) runSync() {
	for i := range p.req.Units {
		if p.failed() {
			return
		}
		if err := p.buildOne(i); err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *pass[A]) runParallel() {
	for i := range p.req.Units {
		if p.pending[i].Load() == 0 {
			p.submit(i)
		}
	}
	p.wg.Wait()
}

func (p *pass[A]) submit(i int) {
	p.wg.Add(1)
	p.req.Pool.Submit(func() {
		defer p.wg.Done()
		p.runTask(i)
	})
}

// runTask builds one unit and schedules dependents that become ready.
// Once a failure is latched no new dependents are started.
func (p *pass[A]) runTask(i int) {
	if p.failed() {
		return
	}
	if err := p.buildOne(i); err != nil {
		p.fail(err)
		return
	}
	if p.failed() {
		return
	}
	unit := p.req.Units[i]
	seen := make(map[UnitID]bool)
	for _, dep := range p.req.Graph.Dependents(unit) {
		j, ok := p.index[dep]
		if !ok || seen[dep] {
			continue
		}
		seen[dep] = true
		if p.pending[j].Add(-1) == 0 {
			p.logger.Debug("unit ready", zap.String("unit", string(dep)), zap.String("after", string(unit)))
			p.submit(j)
		}
	}
}

// buildOne gathers inputs, builds, records the outcome and publishes.
func (p *pass[A]) buildOne(i int) error {
	unit := p.req.Units[i]
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("scheduler: unit %s: %w", unit, err)
	}

	ctx, span := tracer.Start(p.ctx, "scheduler.build", trace.WithAttributes(
		attribute.String("scheduler.unit", string(unit)),
	))
	defer span.End()

	deps, err := p.gather(unit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	start := time.Now()
	artifact, err := p.req.Build(ctx, unit, deps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordUnitMetrics(ctx, time.Since(start), false)
		return fmt.Errorf("scheduler: unit %s: %w", unit, err)
	}
	recordUnitMetrics(ctx, time.Since(start), true)

	if _, loaded := p.outcome.LoadOrStore(unit, artifact); loaded {
		return fmt.Errorf("scheduler: unit %s built twice", unit)
	}
	if p.req.Store != nil {
		if err := p.req.Store.Publish(ctx, unit, artifact, p.req.Stamp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("scheduler: publish %s: %w", unit, err)
		}
	}
	p.remaining.Add(-1)
	p.logger.Debug("unit built", zap.String("unit", string(unit)), zap.Int("deps", len(deps)))
	return nil
}

// gather collects the artifacts of unit's full transitive dependency
// closure from this pass's outcome and the prebuilt set.
func (p *pass[A]) gather(unit UnitID) (map[UnitID]A, error) {
	deps := make(map[UnitID]A)
	visited := map[UnitID]bool{unit: true}
	stack := append([]UnitID(nil), p.req.Graph.Deps(unit)...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[d] {
			continue
		}
		visited[d] = true
		stack = append(stack, p.req.Graph.Deps(d)...)

		if v, ok := p.outcome.Load(d); ok {
			deps[d] = v.(A)
			continue
		}
		if a, ok := p.req.Prebuilt[d]; ok {
			deps[d] = a
			continue
		}
		if p.req.MissingDeps == FailFast {
			return nil, fmt.Errorf("scheduler: unit %s: %w: %s", unit, ErrMissingDependency, d)
		}
		p.logger.Debug("omitting unavailable dependency",
			zap.String("unit", string(unit)), zap.String("dependency", string(d)))
	}
	return deps, nil
}

func (p *pass[A]) fail(err error) {
	if p.failure.CompareAndSwap(nil, &err) {
		p.logger.Debug("first failure latched", zap.Error(err))
	}
}

func (p *pass[A]) failed() bool {
	return p.failure.Load() != nil
}

func (p *pass[A]) err() error {
	if e := p.failure.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *pass[A]) results() map[UnitID]A {
	out := make(map[UnitID]A)
	p.outcome.Range(func(k, v any) bool {
		out[k.(UnitID)] = v.(A)
		return true
	})
	return out
}
