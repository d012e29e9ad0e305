package dstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dshelp "github.com/ipfs/go-ipfs-ds-help"
	"github.com/storacha/banyan/config"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/stretchr/testify/require"
)

func testDatastore(t *testing.T, ds datastore.Batching) {
	ctx := context.Background()

	c := testutil.RandomCID(t)
	k := dshelp.MultihashToDsKey(c.Hash())
	v := []byte("Hello Kitty!")

	_, err := ds.Get(ctx, k)
	require.ErrorIs(t, err, datastore.ErrNotFound)

	require.NoError(t, ds.Put(ctx, k, v))
	got, err := ds.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, v, got)

	ok, err := ds.Has(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)

	size, err := ds.GetSize(ctx, k)
	require.NoError(t, err)
	require.Equal(t, len(v), size)

	batch, err := ds.Batch(ctx)
	require.NoError(t, err)
	var keys []string
	for i := 0; i < 5; i++ {
		bk := dshelp.MultihashToDsKey(testutil.RandomCID(t).Hash())
		require.NoError(t, batch.Put(ctx, bk, testutil.RandomBytes(t, 32)))
		keys = append(keys, bk.String())
	}
	require.NoError(t, batch.Commit(ctx))

	res, err := ds.Query(ctx, query.Query{KeysOnly: true})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	var listed []string
	for _, e := range entries {
		listed = append(listed, e.Key)
	}
	require.ElementsMatch(t, append(keys, k.String()), listed)

	require.NoError(t, ds.Delete(ctx, k))
	ok, err = ds.Has(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ds.Close())
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{Memory, LevelDB, FlatFS, Badger} {
		t.Run(backend, func(t *testing.T) {
			ds, err := Open(config.Datastore{
				Backend: backend,
				Path:    filepath.Join(t.TempDir(), "blocks"),
			})
			require.NoError(t, err)
			testDatastore(t, ds)
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(config.Datastore{Backend: "floppy"})
		require.Error(t, err)
	})
}
