package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jward/understory/internal/phase"
)

// modeOf derives a unit's reference mode from its stamp and the host's
// current stamp. An INVALID unit drops its stamp, so once the handle is
// valid again the unit is FRESH and its records are matched by content.
// Callers hold the unit lock or the write token.
func (r *Registry) modeOf(u *sourceUnit) Mode {
	cur, ok := r.host.Stamp(u.handle)
	if !ok {
		u.stamp = StampFresh
		return ModeInvalid
	}
	switch u.stamp {
	case StampFresh:
		return ModeFresh
	case StampStrong:
		return ModeStrong
	case StampForceRelink:
		return ModeLost
	}
	if u.stamp == cur {
		return ModeStub
	}
	return ModeLost
}

// Mode reports a unit's current reference mode.
func (r *Registry) Mode(tok phase.Token, id UnitID) (Mode, error) {
	u := r.unit(id)
	if u == nil {
		tok.Assert()
		return ModeInvalid, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	unlock := r.lock(tok, u)
	defer unlock()
	return r.modeOf(u), nil
}

// stabilize brings u into STUB mode and returns the structure its bindings
// refer to. A nil structure with a nil error means the unit is INVALID.
func (r *Registry) stabilize(ctx context.Context, id UnitID, u *sourceUnit) (Structure, error) {
	mode := r.modeOf(u)
	if mode == ModeInvalid {
		return nil, nil
	}
	s, err := r.host.Structure(ctx, u.handle)
	if err != nil {
		return nil, fmt.Errorf("registry: structure of %s: %w", u.handle, err)
	}

	switch mode {
	case ModeStub:
		if s.Stamp() == u.stamp && len(u.records) >= len(s.CallSites()) {
			return s, nil
		}
		// The text moved on between Stamp and Structure.
		return s, r.recover(ctx, id, u, s)
	case ModeFresh:
		if len(u.records) == 0 {
			r.bindFresh(id, u, s)
			return s, nil
		}
		return s, r.recover(ctx, id, u, s)
	case ModeStrong:
		return s, r.relink(ctx, id, u, s)
	default:
		return s, r.recover(ctx, id, u, s)
	}
}

// bindFresh creates one unexpanded record per call site.
func (r *Registry) bindFresh(id UnitID, u *sourceUnit, s Structure) {
	sites := s.CallSites()
	u.records = make([]RecordID, 0, len(sites))
	for _, site := range sites {
		u.records = append(u.records, r.allocRecord(&record{
			unit:     id,
			callHash: site.BodyHash,
			bind:     BindIndex,
			index:    site.Index,
		}))
	}
	u.stamp = s.Stamp()
}

// recover rebinds u's records to the call sites of s by content. Records
// matching both call body and definition are reused first, then records
// matching the call body alone. Call sites left over get new records; old
// records left over lose their binding and move to the end of the list
// for Cleanup. Running recover twice on the same structure is a no-op the
// second time.
func (r *Registry) recover(ctx context.Context, id UnitID, u *sourceUnit, s Structure) error {
	sites := s.CallSites()
	old := u.records
	used := make(map[RecordID]bool, len(old))
	assigned := make([]RecordID, len(sites))
	for i := range assigned {
		assigned[i] = NoRecord
	}

	// match picks the first unused candidate, preferring one already bound
	// to the site's index so repeated recovery keeps positions stable.
	match := func(site CallSite, ok func(*record) bool) RecordID {
		best := NoRecord
		for _, rid := range old {
			rec := r.record(rid)
			if used[rid] || rec == nil || !ok(rec) {
				continue
			}
			if rec.bind == BindIndex && rec.index == site.Index {
				return rid
			}
			if best == NoRecord {
				best = rid
			}
		}
		return best
	}

	exact, loose, created := 0, 0, 0
	for i, site := range sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		def, ok := r.host.DefinitionHash(ctx, u.handle, site)
		if !ok || def == "" {
			continue
		}
		rid := match(site, func(rec *record) bool {
			return rec.callHash == site.BodyHash && rec.defHash == def
		})
		if rid != NoRecord {
			assigned[i] = rid
			used[rid] = true
			exact++
		}
	}
	for i, site := range sites {
		if assigned[i] != NoRecord {
			continue
		}
		rid := match(site, func(rec *record) bool { return rec.callHash == site.BodyHash })
		if rid != NoRecord {
			assigned[i] = rid
			used[rid] = true
			loose++
		}
	}

	list := make([]RecordID, 0, len(sites)+len(old))
	for i, site := range sites {
		rid := assigned[i]
		if rid == NoRecord {
			rid = r.allocRecord(&record{unit: id, callHash: site.BodyHash})
			created++
		}
		rec := r.record(rid)
		rec.bind = BindIndex
		rec.index = site.Index
		rec.ref = nil
		list = append(list, rid)
	}
	stale := 0
	for _, rid := range old {
		if used[rid] {
			continue
		}
		if rec := r.record(rid); rec != nil {
			rec.bind = BindNone
			rec.index = ""
			rec.ref = nil
			list = append(list, rid)
			stale++
		}
	}
	u.records = list
	u.stamp = s.Stamp()

	r.logger.Debug("recovered unit",
		zap.String("handle", string(u.handle)),
		zap.Int("exact", exact), zap.Int("loose", loose),
		zap.Int("created", created), zap.Int("stale", stale))
	recordRecovery(ctx, exact, loose, created, stale)
	return nil
}

// relink converts a STRONG unit back to STUB by locating each record's
// reference. When references and call sites do not map one to one the unit
// falls back to recovery.
func (r *Registry) relink(ctx context.Context, id UnitID, u *sourceUnit, s Structure) error {
	sites := s.CallSites()
	pos := make(map[StructIndex]int, len(sites))
	for i, site := range sites {
		pos[site.Index] = i
	}
	assigned := make([]RecordID, len(sites))
	for i := range assigned {
		assigned[i] = NoRecord
	}

	var unbound []RecordID
	intact := true
	for _, rid := range u.records {
		rec := r.record(rid)
		if rec.bind != BindRef {
			unbound = append(unbound, rid)
			continue
		}
		site, ok := s.Locate(rec.ref)
		if !ok {
			intact = false
			break
		}
		i, ok := pos[site.Index]
		if !ok || assigned[i] != NoRecord {
			intact = false
			break
		}
		assigned[i] = rid
	}
	if intact {
		for _, rid := range assigned {
			if rid == NoRecord {
				intact = false
				break
			}
		}
	}
	if !intact {
		r.logger.Warn("references no longer map to call sites, recovering",
			zap.String("handle", string(u.handle)),
			zap.Int64("unit_stamp", int64(u.stamp)),
			zap.Int64("structure_stamp", int64(s.Stamp())),
			zap.Int("records", len(u.records)),
			zap.Int("call_sites", len(sites)))
		recordBreakage(ctx, "relink")
		return r.recover(ctx, id, u, s)
	}

	list := make([]RecordID, 0, len(u.records))
	for i, rid := range assigned {
		rec := r.record(rid)
		rec.bind = BindIndex
		rec.index = sites[i].Index
		rec.ref = nil
		list = append(list, rid)
	}
	u.records = append(list, unbound...)
	u.stamp = s.Stamp()
	return nil
}

// Relink moves a STRONG unit back to STUB. Units in other modes are brought
// to STUB the usual way.
func (r *Registry) Relink(ctx context.Context, tok phase.Token, id UnitID) error {
	u := r.unit(id)
	if u == nil {
		tok.Assert()
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	unlock := r.lock(tok, u)
	defer unlock()
	_, err := r.stabilize(ctx, id, u)
	return err
}

// Strengthen converts a unit's structural indices into direct references so
// its records survive structural edits. If an index no longer resolves the
// unit drops to LOST instead.
func (r *Registry) Strengthen(ctx context.Context, w *phase.Write, id UnitID) error {
	w.Assert()
	u := r.unit(id)
	if u == nil {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	if r.modeOf(u) == ModeStrong {
		return nil
	}
	s, err := r.stabilize(ctx, id, u)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("registry: strengthen %s: %w", u.handle, ErrNotBound)
	}

	refs := make(map[RecordID]CallRef, len(u.records))
	for _, rid := range u.records {
		rec := r.record(rid)
		if rec.bind != BindIndex {
			continue
		}
		site, ok := s.Resolve(rec.index)
		if !ok {
			u.stamp = StampForceRelink
			r.logger.Warn("index does not resolve, unit lost",
				zap.String("handle", string(u.handle)), zap.String("index", string(rec.index)))
			recordBreakage(ctx, "strengthen")
			return fmt.Errorf("registry: strengthen %s: %w: %s", u.handle, ErrUnresolvable, rec.index)
		}
		refs[rid] = site.Ref
	}
	for rid, ref := range refs {
		rec := r.record(rid)
		rec.bind = BindRef
		rec.index = ""
		rec.ref = ref
	}
	u.stamp = StampStrong
	return nil
}

// Invalidate forces a unit to LOST so its next use triggers recovery.
func (r *Registry) Invalidate(w *phase.Write, id UnitID) error {
	w.Assert()
	u := r.unit(id)
	if u == nil {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	u.stamp = StampForceRelink
	return nil
}

// NoteCallSitesAdded tells the registry new call sites appeared in a unit.
// STRONG units keep their references; everything else is invalidated.
func (r *Registry) NoteCallSitesAdded(w *phase.Write, id UnitID) error {
	w.Assert()
	u := r.unit(id)
	if u == nil {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	if u.stamp == StampStrong {
		return nil
	}
	u.stamp = StampForceRelink
	return nil
}

// FindRecord returns the record bound to site in unit id. FRESH and INVALID
// units have no bound records; LOST units recover first.
func (r *Registry) FindRecord(ctx context.Context, tok phase.Token, id UnitID, site CallSite) (RecordID, bool, error) {
	u := r.unit(id)
	if u == nil {
		tok.Assert()
		return NoRecord, false, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	unlock := r.lock(tok, u)
	defer unlock()

	switch r.modeOf(u) {
	case ModeInvalid, ModeFresh:
		return NoRecord, false, nil
	case ModeStrong:
		for _, rid := range u.records {
			if rec := r.record(rid); rec.bind == BindRef && rec.ref == site.Ref {
				return rid, true, nil
			}
		}
		return NoRecord, false, nil
	}

	s, err := r.stabilize(ctx, id, u)
	if err != nil || s == nil {
		return NoRecord, false, err
	}
	idx := site.Index
	if site.Ref != nil {
		cur, ok := s.Locate(site.Ref)
		if !ok {
			return NoRecord, false, nil
		}
		idx = cur.Index
	}
	for _, rid := range u.records {
		if rec := r.record(rid); rec.bind == BindIndex && rec.index == idx {
			return rid, true, nil
		}
	}
	return NoRecord, false, nil
}

// FindCallSite returns the call site a record is bound to. A STUB index that
// fails to resolve is logged, the unit is recovered, and the lookup retried
// once.
func (r *Registry) FindCallSite(ctx context.Context, tok phase.Token, id RecordID) (CallSite, bool, error) {
	rec := r.record(id)
	if rec == nil {
		tok.Assert()
		return CallSite{}, false, fmt.Errorf("%w: %d", ErrUnknownRecord, id)
	}
	uid := rec.unit
	u := r.unit(uid)
	unlock := r.lock(tok, u)
	defer unlock()

	switch r.modeOf(u) {
	case ModeInvalid, ModeFresh:
		return CallSite{}, false, nil
	case ModeStrong:
		if rec.bind != BindRef {
			return CallSite{}, false, nil
		}
		s, err := r.host.Structure(ctx, u.handle)
		if err != nil {
			return CallSite{}, false, fmt.Errorf("registry: structure of %s: %w", u.handle, err)
		}
		site, ok := s.Locate(rec.ref)
		return site, ok, nil
	}

	s, err := r.stabilize(ctx, uid, u)
	if err != nil || s == nil {
		return CallSite{}, false, err
	}
	if rec.bind != BindIndex {
		return CallSite{}, false, nil
	}
	if site, ok := s.Resolve(rec.index); ok {
		return site, true, nil
	}

	r.logger.Warn("bound index does not resolve",
		zap.String("handle", string(u.handle)),
		zap.Int64("unit_stamp", int64(u.stamp)),
		zap.Int64("structure_stamp", int64(s.Stamp())),
		zap.String("index", string(rec.index)))
	recordBreakage(ctx, "find-call-site")
	if err := r.recover(ctx, uid, u, s); err != nil {
		return CallSite{}, false, err
	}
	if rec.bind != BindIndex {
		return CallSite{}, false, nil
	}
	site, ok := s.Resolve(rec.index)
	return site, ok, nil
}
