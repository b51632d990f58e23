package oplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-vcs/strata/pkg/backend/memory"
	backendstatus "github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/errors"
	"github.com/strata-vcs/strata/pkg/model"
	"github.com/strata-vcs/strata/pkg/oplog/status"
)

func mkBlob(t *testing.T, content string) (model.ID, *model.Blob) {
	t.Helper()
	b := &model.Blob{Content: []byte(content)}
	canonical, err := model.Encode(b)
	require.NoError(t, err)
	return model.IDFromContent(canonical), b
}

func setRef(id model.ID, name string, objects ...*model.Blob) Operation {
	op := Operation{
		Op:      "commit",
		Objects: map[model.ID]model.Object{},
		Edits:   []RefEdit{{Name: name, Target: &id}},
	}
	for _, o := range objects {
		canonical, _ := model.Encode(o)
		op.Objects[model.IDFromContent(canonical)] = o
	}
	return op
}

func delRef(name string) Operation {
	return Operation{Op: "delete-ref", Edits: []RefEdit{{Name: name}}}
}

func target(t *testing.T, log *OperationLog, name string) model.ID {
	t.Helper()
	v, err := log.Backend().GetRef(context.Background(), name)
	require.NoError(t, err)
	return v.Target
}

func TestRecordAppendsAndMovesCursor(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "first")
	id2, b2 := mkBlob(t, "second")

	e1, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, e1.Seq)
	assert.NotEmpty(t, e1.ID)
	assert.Empty(t, e1.Before)
	assert.Equal(t, id1, e1.After["heads/main"].Target)
	assert.True(t, e1.Undoable)

	e2, err := log.Record(ctx, setRef(id2, "heads/main", b2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e2.Seq)
	assert.Equal(t, id1, e2.Before["heads/main"].Target)
	assert.Equal(t, id2, e2.After["heads/main"].Target)

	pos, err := log.Position(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pos)

	ok, err := log.Backend().HasObject(ctx, id1)
	require.NoError(t, err)
	assert.True(t, ok, "operation objects land with the entry")
	assert.Equal(t, id2, target(t, log, "heads/main"))
}

func TestUndoRedoWalk(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "first")
	id2, b2 := mkBlob(t, "second")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	_, err = log.Record(ctx, setRef(id2, "heads/main", b2))
	require.NoError(t, err)

	undone, err := log.Undo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, undone.Seq)
	assert.Equal(t, id1, target(t, log, "heads/main"))
	pos, _ := log.Position(ctx)
	assert.EqualValues(t, 1, pos)

	// the undone entry stays in the log
	entries, err := log.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	redone, err := log.Redo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, redone.Seq)
	assert.Equal(t, id2, target(t, log, "heads/main"))
	pos, _ = log.Position(ctx)
	assert.EqualValues(t, 2, pos)

	// branch exhausted
	_, err = log.Redo(ctx)
	assert.True(t, errors.Is(err, status.ErrNothingToRedo))
}

func TestUndoToEmptyState(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "only")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)

	_, err = log.Undo(ctx)
	require.NoError(t, err)

	// the creating entry had no before-state: the ref is gone again
	_, err = log.Backend().GetRef(ctx, "heads/main")
	require.Error(t, err)
	pos, _ := log.Position(ctx)
	assert.Zero(t, pos)

	_, err = log.Undo(ctx)
	assert.True(t, errors.Is(err, status.ErrNothingToUndo))
}

func TestUndoDeletionRestoresRef(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "kept")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	_, err = log.Record(ctx, delRef("heads/main"))
	require.NoError(t, err)

	_, err = log.Backend().GetRef(ctx, "heads/main")
	require.Error(t, err)

	_, err = log.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, target(t, log, "heads/main"))
}

func TestRedoRequiresArming(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "first")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)

	_, err = log.Redo(ctx)
	assert.True(t, errors.Is(err, status.ErrNothingToRedo))
}

func TestRecordDiscardsRedoBranch(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "first")
	id2, b2 := mkBlob(t, "second")
	id3, b3 := mkBlob(t, "third")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	_, err = log.Record(ctx, setRef(id2, "heads/main", b2))
	require.NoError(t, err)
	_, err = log.Undo(ctx)
	require.NoError(t, err)

	// recording from the middle claims seq 2 and drops the old branch
	e3, err := log.Record(ctx, setRef(id3, "heads/main", b3))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e3.Seq)

	entries, err := log.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id3, entries[1].After["heads/main"].Target)

	// the discarded branch is unreachable
	_, err = log.Redo(ctx)
	assert.True(t, errors.Is(err, status.ErrNothingToRedo))
	assert.Equal(t, id3, target(t, log, "heads/main"))
}

func TestUndoRefusesPartialEntry(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "partial")

	op := setRef(id1, "heads/main", b1)
	op.Partial = true
	_, err := log.Record(ctx, op)
	require.NoError(t, err)

	_, err = log.Undo(ctx)
	assert.True(t, errors.Is(err, status.ErrNotUndoable))
	assert.True(t, errors.Is(err, backendstatus.ErrInvariantViolation))
}

func TestUndoDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "recorded")
	id2, b2 := mkBlob(t, "meddled")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)

	// something else moves the ref outside the log
	b := log.Backend()
	require.NoError(t, b.StoreObject(ctx, id2, b2))
	cur, err := b.GetRef(ctx, "heads/main")
	require.NoError(t, err)
	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpdateRef(ctx, "heads/main", &cur, id2)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = log.Undo(ctx)
	assert.True(t, errors.Is(err, status.ErrStateDiverged))
}

func TestUndoIsExactInverse(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "first")
	id2, b2 := mkBlob(t, "second")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	snapBefore, err := log.Backend().ListRefs(ctx)
	require.NoError(t, err)

	_, err = log.Record(ctx, setRef(id2, "heads/main", b2))
	require.NoError(t, err)
	_, err = log.Undo(ctx)
	require.NoError(t, err)

	snapAfter, err := log.Backend().ListRefs(ctx)
	require.NoError(t, err)
	// targets are restored exactly; version tokens keep advancing
	assert.Equal(t, snapBefore.Targets(), snapAfter.Targets())
}

func TestReplayIntoFreshBackend(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "one")
	id2, b2 := mkBlob(t, "two")
	id3, b3 := mkBlob(t, "three")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	_, err = log.Record(ctx, setRef(id2, "heads/dev", b2))
	require.NoError(t, err)
	_, err = log.Record(ctx, setRef(id3, "heads/main", b3))
	require.NoError(t, err)
	_, err = log.Record(ctx, delRef("heads/dev"))
	require.NoError(t, err)

	dst := memory.New()
	n, err := log.ReplayFrom(ctx, dst, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	srcRefs, err := log.Backend().ListRefs(ctx)
	require.NoError(t, err)
	dstRefs, err := dst.ListRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcRefs.Targets(), dstRefs.Targets())

	// the object closure travelled with the entries
	for _, id := range []model.ID{id1, id2, id3} {
		ok, err := dst.HasObject(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	srcPos, _ := log.Position(ctx)
	dstPos, err := dst.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcPos, dstPos)

	srcEntries, _ := log.History(ctx, 0)
	dstEntries, err := dst.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, srcEntries, dstEntries)
}

func TestReplaySkipsUndoneBranch(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	id1, b1 := mkBlob(t, "one")
	id2, b2 := mkBlob(t, "two")

	_, err := log.Record(ctx, setRef(id1, "heads/main", b1))
	require.NoError(t, err)
	_, err = log.Record(ctx, setRef(id2, "heads/main", b2))
	require.NoError(t, err)
	_, err = log.Undo(ctx)
	require.NoError(t, err)

	dst := memory.New()
	n, err := log.ReplayFrom(ctx, dst, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entries past the cursor do not replay")
	ref, refErr := dst.GetRef(ctx, "heads/main")
	assert.Equal(t, id1, mustTarget(t, ref, refErr))
}

func mustTarget(t *testing.T, v model.RefVal, err error) model.ID {
	t.Helper()
	require.NoError(t, err)
	return v.Target
}

func TestCompactLeavesBaseline(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())

	var last model.ID
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		id, blob := mkBlob(t, content)
		_, err := log.Record(ctx, setRef(id, "heads/main", blob))
		require.NoError(t, err)
		last = id
	}

	baseline, err := log.Compact(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, baseline.Seq)
	assert.True(t, baseline.IsBaseline())
	assert.False(t, baseline.Undoable)

	entries, err := log.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].IsBaseline())

	// live state is untouched
	assert.Equal(t, last, target(t, log, "heads/main"))

	// the baseline snapshots the state at its position
	idC, _ := mkBlob(t, "c")
	assert.Equal(t, idC, baseline.After["heads/main"].Target)

	// undo walks back to the baseline and stops there
	_, err = log.Undo(ctx)
	require.NoError(t, err)
	_, err = log.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, idC, target(t, log, "heads/main"))
	_, err = log.Undo(ctx)
	assert.True(t, errors.Is(err, status.ErrNotUndoable))
}

func TestCompactNothingToDo(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())

	_, err := log.Compact(ctx, 2)
	assert.True(t, errors.Is(err, status.ErrNothingToCompact))

	id, blob := mkBlob(t, "solo")
	_, err = log.Record(ctx, setRef(id, "heads/main", blob))
	require.NoError(t, err)

	// keeping more entries than exist retires nothing
	_, err = log.Compact(ctx, 5)
	assert.True(t, errors.Is(err, status.ErrNothingToCompact))
}

func TestCompactRefusesBeyondCursor(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())

	for _, content := range []string{"a", "b", "c", "d"} {
		id, blob := mkBlob(t, content)
		_, err := log.Record(ctx, setRef(id, "heads/main", blob))
		require.NoError(t, err)
	}
	_, err := log.Undo(ctx)
	require.NoError(t, err)
	_, err = log.Undo(ctx)
	require.NoError(t, err)

	// baseline would land at seq 4, past the cursor at 2
	_, err = log.Compact(ctx, 0)
	assert.True(t, errors.Is(err, status.ErrCompactBeyondCursor))

	// retiring only entries the cursor has passed is fine
	baseline, err := log.Compact(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, baseline.Seq)
}

func TestReplayAfterCompaction(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())

	for _, content := range []string{"a", "b", "c", "d"} {
		id, blob := mkBlob(t, content)
		_, err := log.Record(ctx, setRef(id, "heads/main", blob))
		require.NoError(t, err)
	}
	_, err := log.Compact(ctx, 1)
	require.NoError(t, err)

	dst := memory.New()
	n, err := log.ReplayFrom(ctx, dst, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "baseline plus the kept entry")

	srcRefs, _ := log.Backend().ListRefs(ctx)
	dstRefs, err := dst.ListRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcRefs.Targets(), dstRefs.Targets())
}
