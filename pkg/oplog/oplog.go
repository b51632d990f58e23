// Package oplog maintains the durable operation log of a repository: an
// ordered history of recorded operations with one cursor marking the last
// applied entry. Undo walks the cursor backwards by restoring each entry's
// before-state, redo walks it forward again, and both branches share the
// backend's transactional guarantees: every move of the cursor commits
// atomically with the state change it describes.
//
// Sequence numbers are absolute and never renumbered. Recording while the
// cursor sits behind the newest entry discards the abandoned redo branch in
// the same transaction that appends the new entry.
package oplog

import (
	"context"
	"sort"
	"sync"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/facebookgo/clock"

	"github.com/strata-vcs/strata/pkg/backend"
	backendstatus "github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/errors"
	"github.com/strata-vcs/strata/pkg/model"
	"github.com/strata-vcs/strata/pkg/oplog/status"
)

// RefEdit is one reference change requested by an operation. A nil Target
// deletes the reference.
type RefEdit struct {
	Name   string
	Target *model.ID
}

// Operation is the input to Record: the objects an operation wrote and the
// reference edits it wants applied, plus descriptive fields carried into
// the log entry verbatim.
type Operation struct {
	Op      string
	Intent  string
	Payload string
	Objects map[model.ID]model.Object
	Edits   []RefEdit

	// Partial marks an operation recorded without a complete before-state.
	// The entry still replays, but undo refuses to cross it.
	Partial bool
}

// Option is a functor to pass optional parameters to the log
type Option func(*OperationLog)

// Logger sets a logger for this log
func Logger(logger *zap.Logger) Option {
	return func(o *OperationLog) {
		if logger != nil {
			o.l = logger
		}
	}
}

// Clock overrides the clock stamped on log entries
func Clock(clk clock.Clock) Option {
	return func(o *OperationLog) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// OperationLog records, undoes, redoes, replays and compacts operations on
// one backend. Methods serialize against each other; concurrent writers on
// the same backend are still arbitrated by the backend's CAS.
type OperationLog struct {
	b   backend.Backend
	l   *zap.Logger
	clk clock.Clock

	mu        sync.Mutex
	redoArmed bool
}

// New builds an operation log over a backend
func New(b backend.Backend, opts ...Option) *OperationLog {
	o := &OperationLog{
		b:   b,
		l:   zap.NewNop(),
		clk: clock.New(),
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// Backend exposes the underlying backend, e.g. for direct object reads
func (o *OperationLog) Backend() backend.Backend {
	return o.b
}

// History returns committed entries with Seq >= from, in order
func (o *OperationLog) History(ctx context.Context, from uint64) ([]model.LogEntry, error) {
	return o.b.Entries(ctx, from)
}

// Position returns the sequence number of the last applied entry
func (o *OperationLog) Position(ctx context.Context) (uint64, error) {
	return o.b.Cursor(ctx)
}

// liveRef reads one reference, mapping absence to (zero, false)
func (o *OperationLog) liveRef(ctx context.Context, name string) (model.RefVal, bool, error) {
	v, err := o.b.GetRef(ctx, name)
	if err != nil {
		if errors.Is(err, backendstatus.ErrNotFound) {
			return model.RefVal{}, false, nil
		}
		return model.RefVal{}, false, err
	}
	return v, true, nil
}

// Record applies an operation and appends its log entry in one transaction.
// If the cursor sits behind the newest entry, the redo branch beyond it is
// discarded first; sequence numbers of surviving entries never change.
func (o *OperationLog) Record(ctx context.Context, op Operation) (*model.LogEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cursor, err := o.b.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	// before and after are full reference-set snapshots: enough to
	// reconstruct state exactly without consulting other entries
	before, err := o.b.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	liveByName := map[string]*model.RefVal{}
	for _, edit := range op.Edits {
		if v, ok := before[edit.Name]; ok {
			lv := v
			liveByName[edit.Name] = &lv
		} else {
			liveByName[edit.Name] = nil
		}
	}

	tx, err := o.b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	abort := func(err error) (*model.LogEntry, error) {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	for id, obj := range op.Objects {
		if err := tx.StoreObject(ctx, id, obj); err != nil {
			return abort(err)
		}
	}

	after := before.Clone()
	for _, edit := range op.Edits {
		expect := liveByName[edit.Name]
		if edit.Target != nil {
			val, err := tx.UpdateRef(ctx, edit.Name, expect, *edit.Target)
			if err != nil {
				return abort(err)
			}
			after[edit.Name] = val
			continue
		}
		delete(after, edit.Name)
		if expect == nil {
			continue // deleting an absent reference is a no-op
		}
		if err := tx.DeleteRef(ctx, edit.Name, *expect); err != nil {
			return abort(err)
		}
	}

	entry := model.LogEntry{
		Seq:      cursor + 1,
		ID:       ksuid.New().String(),
		Time:     o.clk.Now().UTC(),
		Op:       op.Op,
		Intent:   op.Intent,
		Payload:  op.Payload,
		Before:   before,
		After:    after,
		Undoable: !op.Partial,
	}
	if err := tx.TruncateAfter(ctx, cursor); err != nil {
		return abort(err)
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return abort(err)
	}
	if err := tx.SetCursor(ctx, entry.Seq); err != nil {
		return abort(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	o.redoArmed = false
	o.l.Debug("recorded operation",
		zap.Uint64("seq", entry.Seq),
		zap.String("op", entry.Op))
	return &entry, nil
}

// Undo reverts the entry under the cursor by restoring its before-state,
// then moves the cursor to the preceding entry. The entry itself stays in
// the log, eligible for redo until a new operation is recorded.
func (o *OperationLog) Undo(ctx context.Context) (*model.LogEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, cursor, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if cursor == 0 {
		return nil, status.ErrNothingToUndo
	}
	e := entryAt(entries, cursor)
	if e == nil {
		return nil, status.ErrNothingToUndo
	}
	if e.IsBaseline() || !e.Undoable {
		return nil, backendstatus.ErrInvariantViolation.Wrap(status.ErrNotUndoable.WrapMessage(e.Op))
	}

	live, err := o.checkLiveMatches(ctx, e, e.After)
	if err != nil {
		return nil, err
	}

	tx, err := o.b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range touchedNames(e) {
		if want, ok := e.Before[name]; ok {
			if _, err := tx.UpdateRef(ctx, name, live[name], want.Target); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			continue
		}
		if live[name] == nil {
			continue
		}
		if err := tx.DeleteRef(ctx, name, *live[name]); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.SetCursor(ctx, prevSeq(entries, cursor)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	o.redoArmed = true
	o.l.Debug("undid operation", zap.Uint64("seq", e.Seq), zap.String("op", e.Op))
	return e, nil
}

// Redo re-applies the next entry past the cursor. Redo is armed by an undo
// and disarmed by recording a new operation; it never resurrects a branch
// that recording has discarded.
func (o *OperationLog) Redo(ctx context.Context) (*model.LogEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.redoArmed {
		return nil, status.ErrNothingToRedo
	}
	entries, cursor, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e := nextEntry(entries, cursor)
	if e == nil {
		return nil, status.ErrNothingToRedo
	}

	live, err := o.checkLiveMatches(ctx, e, e.Before)
	if err != nil {
		return nil, err
	}

	tx, err := o.b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range touchedNames(e) {
		if want, ok := e.After[name]; ok {
			if _, err := tx.UpdateRef(ctx, name, live[name], want.Target); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			continue
		}
		if live[name] == nil {
			continue
		}
		if err := tx.DeleteRef(ctx, name, *live[name]); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.SetCursor(ctx, e.Seq); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	o.l.Debug("redid operation", zap.Uint64("seq", e.Seq), zap.String("op", e.Op))
	return e, nil
}

// checkLiveMatches verifies that the live targets of every reference the
// entry touches equal the recorded side passed in. Version tokens advance
// on every write and are deliberately excluded from the comparison. The
// live values are returned for use as CAS expectations.
func (o *OperationLog) checkLiveMatches(ctx context.Context, e *model.LogEntry, want model.RefSet) (map[string]*model.RefVal, error) {
	live := map[string]*model.RefVal{}
	for _, name := range touchedNames(e) {
		v, ok, err := o.liveRef(ctx, name)
		if err != nil {
			return nil, err
		}
		recorded, recordedOK := want[name]
		switch {
		case recordedOK && (!ok || v.Target != recorded.Target):
			return nil, status.ErrStateDiverged.WrapMessage("ref " + name)
		case !recordedOK && ok:
			return nil, status.ErrStateDiverged.WrapMessage("ref " + name)
		}
		if ok {
			lv := v
			live[name] = &lv
		} else {
			live[name] = nil
		}
	}
	return live, nil
}

// ReplayFrom reconstructs history on another backend by re-applying every
// entry from seq from up to the cursor, copying the object closure each
// entry's after-state references. Entries at and past from already present
// on the destination are discarded first. Returns the number of entries
// replayed.
func (o *OperationLog) ReplayFrom(ctx context.Context, dst backend.Backend, from uint64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if from == 0 {
		from = 1
	}

	entries, cursor, err := o.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i := range entries {
		e := &entries[i]
		if e.Seq < from || e.Seq > cursor {
			continue
		}
		for _, id := range e.After.Targets() {
			if err := o.copyClosure(ctx, dst, id); err != nil {
				return replayed, err
			}
		}

		tx, err := dst.Begin(ctx)
		if err != nil {
			return replayed, err
		}
		abort := func(err error) (int, error) {
			_ = tx.Rollback(ctx)
			return replayed, err
		}
		if replayed == 0 {
			if err := tx.TruncateAfter(ctx, e.Seq-1); err != nil {
				return abort(err)
			}
		}
		for _, name := range touchedNames(e) {
			v, err := dst.GetRef(ctx, name)
			var expect *model.RefVal
			if err == nil {
				lv := v
				expect = &lv
			} else if !errors.Is(err, backendstatus.ErrNotFound) {
				return abort(err)
			}
			// divergence from the recorded before-state is surfaced, then
			// overwritten by the recorded after-state
			if prior, ok := e.Before[name]; ok != (expect != nil) ||
				(ok && expect != nil && prior.Target != expect.Target) {
				o.l.Warn("replay divergence",
					zap.Uint64("seq", e.Seq),
					zap.String("ref", name))
			}
			if want, ok := e.After[name]; ok {
				if _, err := tx.UpdateRef(ctx, name, expect, want.Target); err != nil {
					return abort(err)
				}
				continue
			}
			if expect == nil {
				continue
			}
			if err := tx.DeleteRef(ctx, name, *expect); err != nil {
				return abort(err)
			}
		}
		if err := tx.AppendEntry(ctx, *e); err != nil {
			return abort(err)
		}
		if err := tx.SetCursor(ctx, e.Seq); err != nil {
			return abort(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// copyClosure transfers an object and everything it references. Presence on
// the destination short-circuits the walk: content-addressed ids guarantee
// an object already there carries the same closure.
func (o *OperationLog) copyClosure(ctx context.Context, dst backend.Backend, id model.ID) error {
	if id.IsZero() {
		return nil
	}
	ok, err := dst.HasObject(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	obj, _, err := o.b.LoadObject(ctx, id)
	if err != nil {
		return err
	}
	if obj == nil {
		return backendstatus.ErrNotFound.WrapMessage("object " + id.String())
	}
	for _, ref := range referencedIDs(obj) {
		if err := o.copyClosure(ctx, dst, ref); err != nil {
			return err
		}
	}
	return dst.StoreObject(ctx, id, obj)
}

func referencedIDs(obj model.Object) []model.ID {
	switch v := obj.(type) {
	case *model.Tree:
		out := make([]model.ID, 0, len(v.Entries))
		for _, e := range v.Entries {
			out = append(out, e.Target)
		}
		return out
	case *model.Commit:
		return append([]model.ID{v.Tree}, v.Parents...)
	case *model.Tag:
		return []model.ID{v.Target}
	default:
		return nil
	}
}

// Compact retires history, keeping the newest keep entries behind the
// cursor and replacing everything older with one synthetic baseline entry
// that snapshots the reference state at its position. The baseline keeps
// the sequence number it replaces, is never undoable, and becomes the floor
// below which undo cannot travel.
func (o *OperationLog) Compact(ctx context.Context, keep uint64) (*model.LogEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, cursor, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || cursor == 0 {
		return nil, status.ErrNothingToCompact
	}
	last := entries[len(entries)-1].Seq
	var baseSeq uint64
	if last > keep {
		baseSeq = last - keep
	}
	if baseSeq == 0 {
		return nil, status.ErrNothingToCompact
	}
	if baseSeq > cursor {
		// the cursor sits inside the range compaction would retire
		return nil, status.ErrCompactBeyondCursor
	}
	if first := entries[0]; first.IsBaseline() && first.Seq >= baseSeq {
		return nil, status.ErrNothingToCompact
	}
	if e := entryAt(entries, baseSeq); e != nil && e.IsBaseline() {
		return nil, status.ErrNothingToCompact
	}

	// full snapshots make the baseline cheap: the state at the baseline's
	// position is the before-state of the oldest retained entry
	var state model.RefSet
	if next := entryAt(entries, baseSeq+1); next != nil {
		state = next.Before.Clone()
	} else {
		live, err := o.b.ListRefs(ctx)
		if err != nil {
			return nil, err
		}
		state = live.Clone()
	}

	baseline := model.LogEntry{
		Seq:      baseSeq,
		ID:       ksuid.New().String(),
		Time:     o.clk.Now().UTC(),
		Op:       model.OpBaseline,
		Before:   model.RefSet{},
		After:    state,
		Undoable: false,
	}

	tx, err := o.b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.CompactTo(ctx, baseline); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	o.l.Debug("compacted history",
		zap.Uint64("baseline", baseSeq),
		zap.Uint64("kept", last-baseSeq))
	return &baseline, nil
}

func (o *OperationLog) snapshot(ctx context.Context) ([]model.LogEntry, uint64, error) {
	entries, err := o.b.Entries(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	cursor, err := o.b.Cursor(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, cursor, nil
}

// touchedNames returns the names whose binding differs between an entry's
// full before and after snapshots, in stable order. Version tokens are not
// compared; a name only counts as touched when its target moved.
func touchedNames(e *model.LogEntry) []string {
	seen := map[string]struct{}{}
	for name, bv := range e.Before {
		if av, ok := e.After[name]; !ok || av.Target != bv.Target {
			seen[name] = struct{}{}
		}
	}
	for name, av := range e.After {
		if bv, ok := e.Before[name]; !ok || bv.Target != av.Target {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func entryAt(entries []model.LogEntry, seq uint64) *model.LogEntry {
	for i := range entries {
		if entries[i].Seq == seq {
			return &entries[i]
		}
	}
	return nil
}

func prevSeq(entries []model.LogEntry, seq uint64) uint64 {
	var prev uint64
	for i := range entries {
		if entries[i].Seq < seq && entries[i].Seq > prev {
			prev = entries[i].Seq
		}
	}
	return prev
}

func nextEntry(entries []model.LogEntry, cursor uint64) *model.LogEntry {
	var best *model.LogEntry
	for i := range entries {
		if entries[i].Seq > cursor && (best == nil || entries[i].Seq < best.Seq) {
			best = &entries[i]
		}
	}
	return best
}
