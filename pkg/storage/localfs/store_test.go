package localfs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-vcs/strata/pkg/storage"
	"github.com/strata-vcs/strata/pkg/storage/status"
)

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	bs := New(fs)
	ctx := context.Background()
	require.NoError(t, bs.Put(ctx, "sixteentons", bytes.NewBufferString("this is the text"), storage.NoOverWrite))
	require.NoError(t, bs.Put(ctx, "seventeentons", bytes.NewBufferString("this is the text for another thing"), storage.NoOverWrite))
	return bs
}

func TestHas(t *testing.T) {
	bs := setupStore(t)

	has, err := bs.Has(context.Background(), "sixteentons")
	require.NoError(t, err)
	require.True(t, has)

	has, err = bs.Has(context.Background(), "fifteentons")
	require.NoError(t, err)
	require.False(t, has)
}

func TestGet(t *testing.T) {
	bs := setupStore(t)

	rdr, err := bs.Get(context.Background(), "sixteentons")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, "this is the text", string(b))

	_, err = bs.Get(context.Background(), "fifteentons")
	assert.ErrorIs(t, err, status.ErrNotExists)
}

func TestPutExclusive(t *testing.T) {
	bs := setupStore(t)

	err := bs.Put(context.Background(), "sixteentons", bytes.NewBufferString("overwrite"), storage.NoOverWrite)
	assert.ErrorIs(t, err, status.ErrExists)

	require.NoError(t, bs.Put(context.Background(), "sixteentons", bytes.NewBufferString("overwrite"), storage.OverWrite))
	b, err := storage.ReadAll(context.Background(), bs, "sixteentons")
	require.NoError(t, err)
	assert.Equal(t, "overwrite", string(b))
}

func TestKeys(t *testing.T) {
	bs := setupStore(t)

	keys, err := bs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestKeysPrefix(t *testing.T) {
	bs := setupStore(t)
	ctx := context.Background()
	require.NoError(t, bs.Put(ctx, "refs/heads/main", bytes.NewBufferString("x"), storage.NoOverWrite))
	require.NoError(t, bs.Put(ctx, "refs/heads/next", bytes.NewBufferString("y"), storage.NoOverWrite))

	keys, next, err := bs.KeysPrefix(ctx, "", "refs/", 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotEmpty(t, next)

	rest, next, err := bs.KeysPrefix(ctx, next, "refs/", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)
	assert.NotEqual(t, keys[0], rest[0])
}

func TestDelete(t *testing.T) {
	bs := setupStore(t)

	require.NoError(t, bs.Delete(context.Background(), "seventeentons"))
	k, _ := bs.Keys(context.Background())
	assert.Len(t, k, 1)

	err := bs.Delete(context.Background(), "seventeentons")
	assert.ErrorIs(t, err, status.ErrNotExists)
}
