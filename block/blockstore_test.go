package block

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dshelp "github.com/ipfs/go-ipfs-ds-help"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestDsBlockstore(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	bs := NewDsBlockstore(ds)

	data := []byte("Hello Kitty!")
	c, err := rawPrefix.Sum(data)
	require.NoError(t, err)
	link := cidlink.Link{Cid: c}

	ok, err := bs.Has(ctx, link)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = bs.Get(ctx, link)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, bs.Put(ctx, New(link, data)))
	ok, err = bs.Has(ctx, link)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := bs.Get(ctx, link)
	require.NoError(t, err)
	require.Equal(t, data, b.Bytes())
	require.Equal(t, link, b.Link())

	t.Run("corrupt value", func(t *testing.T) {
		require.NoError(t, ds.Put(ctx, dshelp.MultihashToDsKey(c.Hash()), []byte("Goodbye Kitty!")))
		_, err := bs.Get(ctx, link)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	require.NoError(t, bs.Del(ctx, link))
	_, err = bs.Get(ctx, link)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDsBlockstorePutBatch(t *testing.T) {
	ctx := context.Background()

	for name, ds := range map[string]datastore.Datastore{
		"batching":     dssync.MutexWrap(datastore.NewMapDatastore()),
		"non-batching": plainDatastore{datastore.NewMapDatastore()},
	} {
		t.Run(name, func(t *testing.T) {
			bs := NewDsBlockstore(ds)
			var blocks []Block
			for i := 0; i < 5; i++ {
				data := testutil.RandomBytes(t, 64)
				c, err := rawPrefix.Sum(data)
				require.NoError(t, err)
				blocks = append(blocks, New(cidlink.Link{Cid: c}, data))
			}
			require.NoError(t, bs.PutBatch(ctx, blocks))
			for _, b := range blocks {
				got, err := bs.Get(ctx, b.Link())
				require.NoError(t, err)
				require.Equal(t, b.Bytes(), got.Bytes())
			}
		})
	}
}

// plainDatastore hides the Batch method of the wrapped datastore.
type plainDatastore struct {
	datastore.Datastore
}
