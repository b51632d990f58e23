package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/errors"
	"github.com/strata-vcs/strata/pkg/model"
)

type fakeApplier struct {
	applied []*Batch
	fail    error
}

func (f *fakeApplier) Apply(_ context.Context, b *Batch) error {
	if f.fail != nil {
		return f.fail
	}
	f.applied = append(f.applied, b)
	return nil
}

func mkBlob(t *testing.T, content string) (model.ID, *model.Blob) {
	t.Helper()
	b := &model.Blob{Content: []byte(content)}
	canonical, err := model.Encode(b)
	require.NoError(t, err)
	return model.IDFromContent(canonical), b
}

func TestTxnStagesAndCommits(t *testing.T) {
	ctx := context.Background()
	applier := &fakeApplier{}
	tx := NewTxn(applier)

	id, blob := mkBlob(t, "hello")
	require.NoError(t, tx.StoreObject(ctx, id, blob))

	val, err := tx.UpdateRef(ctx, "heads/main", nil, id)
	require.NoError(t, err)
	assert.Equal(t, id, val.Target)
	assert.NotEmpty(t, val.Version)

	require.NoError(t, tx.SetCursor(ctx, 7))
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, applier.applied, 1)
	batch := applier.applied[0]
	require.Len(t, batch.Objects, 1)
	assert.Equal(t, id, batch.Objects[0].ID)
	assert.EqualValues(t, len(batch.Objects[0].Canonical), batch.Objects[0].Meta.Size)
	require.Len(t, batch.RefPuts, 1)
	assert.Nil(t, batch.RefPuts[0].Expect)
	require.NotNil(t, batch.Cursor)
	assert.EqualValues(t, 7, *batch.Cursor)
}

func TestTxnRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	tx := NewTxn(&fakeApplier{})

	_, blob := mkBlob(t, "content")
	wrongID, _ := mkBlob(t, "other content")

	err := tx.StoreObject(ctx, wrongID, blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrHashMismatch))
}

func TestTxnStagedBudget(t *testing.T) {
	ctx := context.Background()
	tx := NewTxn(&fakeApplier{}, TxnMaxStagedBytes(16))

	id, blob := mkBlob(t, "this payload does not fit in sixteen bytes")
	err := tx.StoreObject(ctx, id, blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrResourceExhausted))
}

func TestTxnDoneAfterResolution(t *testing.T) {
	ctx := context.Background()

	tx := NewTxn(&fakeApplier{})
	require.NoError(t, tx.Rollback(ctx))

	id, blob := mkBlob(t, "late")
	assert.True(t, errors.Is(tx.StoreObject(ctx, id, blob), status.ErrTxnDone))
	_, err := tx.UpdateRef(ctx, "heads/main", nil, id)
	assert.True(t, errors.Is(err, status.ErrTxnDone))
	assert.True(t, errors.Is(tx.Commit(ctx), status.ErrTxnDone))
	assert.True(t, errors.Is(tx.Rollback(ctx), status.ErrTxnDone))
}

func TestTxnEmptyCommitSkipsApply(t *testing.T) {
	ctx := context.Background()
	applier := &fakeApplier{}
	tx := NewTxn(applier)
	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, applier.applied)
}

func TestTxnCommitWrapsConflict(t *testing.T) {
	ctx := context.Background()
	applier := &fakeApplier{fail: status.ErrConflict.WrapMessage("ref heads/main")}
	tx := NewTxn(applier)

	id, _ := mkBlob(t, "x")
	_, err := tx.UpdateRef(ctx, "heads/main", nil, id)
	require.NoError(t, err)

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrTransactionFailed))
	assert.True(t, errors.Is(err, status.ErrConflict))
}

func TestVerifyContent(t *testing.T) {
	id, blob := mkBlob(t, "verified")
	canonical, err := model.Encode(blob)
	require.NoError(t, err)

	assert.NoError(t, VerifyContent(id, canonical))
	assert.NoError(t, VerifyLoaded(id, canonical))

	other, _ := mkBlob(t, "tampered")
	assert.True(t, errors.Is(VerifyContent(other, canonical), status.ErrHashMismatch))
	assert.True(t, errors.Is(VerifyLoaded(other, canonical), status.ErrCorruption))
}
