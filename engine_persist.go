package understory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jward/understory/internal/attrs"
	"github.com/jward/understory/internal/phase"
	"github.com/jward/understory/internal/registry"
	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/internal/syntax"
)

// Versions returns the four version fields a persisted registry must match
// to be loaded: the storage format, the expansion algorithm (a hash of the
// loaded scripts), the structural index algorithm and the attribute
// encoding.
func (e *Engine) Versions() Versions {
	return Versions{
		StorageFormat:      store.RegistryFormat,
		ExpansionAlgorithm: e.runtime.ScriptsHash(),
		IndexAlgorithm:     syntax.IndexVersion,
		AttributeEncoding:  attrs.EncodingVersion,
	}
}

const metaSavedAt = "registry_saved_at"

// Save persists the registry. STRONG units are saved as needing a relink,
// since direct call references do not survive the process.
func (e *Engine) Save(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	var units []store.RegistryUnit
	err := e.lock.Read(func(r *phase.Read) error {
		for _, us := range e.reg.Snapshot(r).Units {
			u := store.RegistryUnit{
				Handle: string(us.Handle),
				Depth:  us.Depth,
				Stamp:  int64(us.Stamp),
			}
			for _, rs := range us.Records {
				u.Records = append(u.Records, store.RegistryRecord{
					Output:      string(rs.Output),
					ErrorTag:    rs.Kind.String(),
					DefHash:     rs.DefHash,
					CallHash:    rs.CallHash,
					OutputHash:  rs.OutputHash,
					StructIndex: string(rs.Index),
				})
			}
			units = append(units, u)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.store.SaveRegistry(ctx, e.Versions(), units); err != nil {
		return fmt.Errorf("understory: save: %w", err)
	}
	if err := e.store.SetMetadata(metaSavedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("understory: save: %w", err)
	}
	e.logger.Info("registry saved", zap.Int("units", len(units)))
	return nil
}

// Load replaces the registry with the persisted one and returns the number
// of units restored. A registry saved under different versions is not
// loaded; the error wraps store.ErrVersionMismatch and the current registry
// is left untouched.
func (e *Engine) Load(ctx context.Context) (int, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	units, err := e.store.LoadRegistry(ctx, e.Versions())
	if err != nil {
		return 0, fmt.Errorf("understory: load: %w", err)
	}
	snap := registry.Snapshot{Units: make([]registry.UnitSnapshot, 0, len(units))}
	for _, u := range units {
		us := registry.UnitSnapshot{
			Handle: registry.Handle(u.Handle),
			Depth:  u.Depth,
			Stamp:  registry.Stamp(u.Stamp),
		}
		for _, rr := range u.Records {
			kind, err := registry.ParseErrorKind(rr.ErrorTag)
			if err != nil {
				return 0, fmt.Errorf("understory: load %s: %w: %w", u.Handle, store.ErrCorrupt, err)
			}
			us.Records = append(us.Records, registry.RecordSnapshot{
				Output:     registry.Handle(rr.Output),
				Kind:       kind,
				DefHash:    rr.DefHash,
				CallHash:   rr.CallHash,
				OutputHash: rr.OutputHash,
				Index:      registry.StructIndex(rr.StructIndex),
			})
		}
		snap.Units = append(snap.Units, us)
	}

	var restored int
	err = e.lock.Mutate(func(w *phase.Write) error {
		restored = e.reg.Restore(w, snap)
		return nil
	})
	e.logger.Info("registry loaded", zap.Int("units", restored))
	return restored, err
}
