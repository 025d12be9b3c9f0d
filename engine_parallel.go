package understory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jward/understory/internal/attrs"
	"github.com/jward/understory/internal/phase"
	"github.com/jward/understory/internal/registry"
	understoryrt "github.com/jward/understory/internal/runtime"
	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/internal/syntax"
)

// ExpandResult summarizes one Expand.
type ExpandResult struct {
	Rounds int
	// Expanded counts call sites that produced output.
	Expanded int
	// Failed counts call sites whose expansion recorded an error.
	Failed int
	// Registered counts output handles newly registered as units.
	Registered int
	// Removed counts records and units dropped by cleanup.
	Removed int
	// Collected counts stored outputs deleted because nothing refers to
	// them anymore.
	Collected int
}

// expansion is one computed call site, carried from the reading phase to
// the writing phase.
type expansion struct {
	item    registry.WorkItem
	outcome registry.Outcome
	ranges  attrs.RangeMap
}

// Expand brings every registered unit up to date. Each round runs in two
// phases:
//
//	Read (parallel):  Stabilize units stage by stage, extract stale call
//	                  sites and run their expansion scripts. Outputs are
//	                  buffered in a BatchedStore.
//	Write (serial):   Commit the outputs, apply outcomes, register outputs
//	                  as units, store side-channel attributes and clean up.
//
// Rounds repeat until no call site needs expansion, so outputs that contain
// further macro calls are expanded up to the recursion limit.
func (e *Engine) Expand(ctx context.Context) (*ExpandResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	ctx, span := tracer.Start(ctx, "understory.Expand")
	defer span.End()

	res := &ExpandResult{}
	for res.Rounds < e.limit+2 {
		n, err := e.expandRound(ctx, res)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if n == 0 {
			break
		}
		res.Rounds++
	}

	// A round with nothing to expand skips its write phase, so records
	// dropped by recovery there are only pruned here.
	if err := e.lock.Mutate(func(w *phase.Write) error {
		res.Removed += e.reg.Cleanup(w)
		return nil
	}); err != nil {
		return res, fmt.Errorf("understory: expand: %w", err)
	}

	collected, err := e.collectGarbage()
	res.Collected = collected
	if err != nil {
		return res, err
	}
	span.SetAttributes(
		attribute.Int("understory.rounds", res.Rounds),
		attribute.Int("understory.expanded", res.Expanded),
		attribute.Int("understory.failed", res.Failed))
	e.logger.Info("expand finished",
		zap.Int("rounds", res.Rounds),
		zap.Int("expanded", res.Expanded),
		zap.Int("failed", res.Failed),
		zap.Int("registered", res.Registered),
		zap.Int("removed", res.Removed),
		zap.Int("collected", res.Collected))
	return res, ctx.Err()
}

// expandRound runs one read/write cycle and returns the number of call
// sites it expanded or failed.
func (e *Engine) expandRound(ctx context.Context, res *ExpandResult) (int, error) {
	batch := store.NewBatchedStore(e.store)
	var (
		mu   sync.Mutex
		outs []expansion
	)

	// ---- Read phase: extract and expand ----
	err := e.lock.Read(func(r *phase.Read) error {
		for stage := range e.reg.Extractions(r) {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(e.workers)
			for _, x := range stage {
				g.Go(func() error {
					items, err := x.Extract(gctx)
					if err != nil {
						return fmt.Errorf("extract %s: %w", x.Handle, err)
					}
					for _, it := range items {
						out := e.expandItem(gctx, r, it, batch)
						mu.Lock()
						outs = append(outs, out)
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return 0, fmt.Errorf("understory: expand: %w", err)
	}
	if len(outs) == 0 {
		return 0, ctx.Err()
	}

	// ---- Write phase: commit and apply ----
	werr := e.lock.Mutate(func(w *phase.Write) error {
		if err := e.store.CommitBatch(batch); err != nil {
			return err
		}
		for _, x := range outs {
			if _, err := e.reg.Apply(w, x.item.Record, x.outcome); err != nil {
				e.logger.Warn("dropping outcome", zap.String("handle", string(x.item.Handle)),
					zap.Int("position", x.item.Position), zap.Error(err))
				continue
			}
			if x.outcome.Kind != registry.KindNone {
				res.Failed++
				continue
			}
			res.Expanded++
			h := x.outcome.Output
			if _, known := e.reg.Lookup(w, h); !known {
				if _, ok := e.reg.Register(w, h); ok {
					res.Registered++
				}
			}
			if err := e.attrs.PutRangeMap(string(h), x.ranges); err != nil {
				return err
			}
			mix := attrs.MixHash(x.outcome.DefHash, x.outcome.CallHash, x.outcome.OutputHash)
			if err := e.attrs.PutMixHash(string(h), mix); err != nil {
				return err
			}
		}
		res.Removed += e.reg.Cleanup(w)
		return nil
	})
	if werr != nil {
		return 0, fmt.Errorf("understory: expand: %w", werr)
	}
	if err := ctx.Err(); err != nil {
		return len(outs), err
	}
	return len(outs), nil
}

// expandItem runs the script for one call site. Failures become error
// outcomes; they never abort the round.
func (e *Engine) expandItem(ctx context.Context, r *phase.Read, it registry.WorkItem, batch *store.BatchedStore) expansion {
	x := expansion{
		item: it,
		outcome: registry.Outcome{
			DefHash:  it.DefHash,
			CallHash: it.Site.BodyHash,
		},
	}
	inv := understoryrt.Invocation{
		Macro: syntax.MacroName(it.Site.Name),
		Body:  it.Site.Body,
	}
	if def, ok := e.macroDefinition(ctx, string(it.Handle), it.Site.Name); ok {
		inv.Definition = def.Body
	}

	exp, err := e.runtime.Expand(ctx, inv)
	if err != nil {
		x.outcome.Kind = errorKind(err)
		e.logger.Debug("expansion failed",
			zap.String("handle", string(it.Handle)),
			zap.Int("position", it.Position),
			zap.String("macro", inv.Macro),
			zap.Stringer("kind", x.outcome.Kind),
			zap.Error(err))
		return x
	}

	hash := store.ContentHash([]byte(exp.Output))
	h := e.outputHandle(r, it, hash)
	if _, err := batch.InsertGenerated(&store.Generated{
		Handle:      h,
		Content:     exp.Output,
		Producer:    string(it.Handle),
		Macro:       inv.Macro,
		ContentHash: hash,
	}); err != nil {
		x.outcome.Kind = registry.KindScriptFailure
		return x
	}
	x.outcome.Output = registry.Handle(h)
	x.outcome.OutputHash = hash
	x.ranges = exp.Ranges
	return x
}

// outputHandle names the output of it. Recovery can move a record to a
// position whose plain name another live record already produces, so the
// name is salted until no other record owns it.
func (e *Engine) outputHandle(r *phase.Read, it registry.WorkItem, hash string) string {
	for salt := 0; ; salt++ {
		h := syntax.GeneratedHandle(string(it.Handle), it.Position, hash, salt)
		owner, ok := e.reg.Owner(r, registry.Handle(h))
		if !ok || owner == it.Record {
			return h
		}
	}
}

func errorKind(err error) registry.ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return registry.KindCancelled
	case errors.Is(err, understoryrt.ErrUnresolved):
		return registry.KindUnresolved
	case errors.Is(err, understoryrt.ErrLimitExceeded):
		return registry.KindLimitExceeded
	default:
		return registry.KindScriptFailure
	}
}

// collectGarbage deletes stored outputs that no unit and no record refers
// to, along with their attributes and cached documents.
func (e *Engine) collectGarbage() (int, error) {
	handles, err := e.store.GeneratedHandles()
	if err != nil {
		return 0, fmt.Errorf("understory: collect: %w", err)
	}
	var dead []string
	err = e.lock.Mutate(func(w *phase.Write) error {
		for _, h := range handles {
			if _, ok := e.reg.Lookup(w, registry.Handle(h)); ok {
				continue
			}
			if _, ok := e.reg.Producer(w, registry.Handle(h)); ok {
				continue
			}
			dead = append(dead, h)
			e.ws.Forget(h)
		}
		return nil
	})
	if err != nil || len(dead) == 0 {
		return 0, err
	}
	if err := e.store.DeleteGenerated(dead); err != nil {
		return 0, fmt.Errorf("understory: collect: %w", err)
	}
	if err := e.attrs.Delete(dead...); err != nil {
		return 0, fmt.Errorf("understory: collect: %w", err)
	}
	e.logger.Debug("collected outputs", zap.Int("count", len(dead)))
	return len(dead), nil
}
