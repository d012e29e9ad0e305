package block

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/storacha/banyan/carstore"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/storacha/go-pail/block"
	"github.com/stretchr/testify/require"
)

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(multicodec.Raw),
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

func TestStoreFetcher(t *testing.T) {
	ctx := context.Background()
	s, err := carstore.NewMemory()
	require.NoError(t, err)
	defer s.Close()

	data := []byte("Hello Kitty!")
	c, err := s.Put(ctx, data, multicodec.Raw)
	require.NoError(t, err)

	f := NewStoreFetcher(s)
	b, err := f.Get(ctx, cidlink.Link{Cid: c})
	require.NoError(t, err)
	require.Equal(t, data, b.Bytes())

	_, err = f.Get(ctx, testutil.RandomLink(t))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachingFetcher(t *testing.T) {
	ctx := context.Background()
	s, err := carstore.NewMemory()
	require.NoError(t, err)
	defer s.Close()

	data := []byte("Goodbye Kitty!")
	c, err := s.Put(ctx, data, multicodec.Raw)
	require.NoError(t, err)
	link := cidlink.Link{Cid: c}

	cache := block.NewMapBlockstore()
	f := NewCachingFetcher(NewStoreFetcher(s), cache)
	_, err = f.Get(ctx, link)
	require.NoError(t, err)

	b, err := cache.Get(ctx, link)
	require.NoError(t, err)
	require.Equal(t, data, b.Bytes())

	t.Run("tiered", func(t *testing.T) {
		tiered := NewTieredBlockFetcher(cache, NewStoreFetcher(s))
		b, err := tiered.Get(ctx, link)
		require.NoError(t, err)
		require.Equal(t, data, b.Bytes())
	})
}

func TestVerify(t *testing.T) {
	data := []byte("Hello Kitty!")
	c, err := rawPrefix.Sum(data)
	require.NoError(t, err)
	require.NoError(t, Verify(c, data))
	require.ErrorIs(t, Verify(c, []byte("Hello Kitty?")), ErrCorrupt)
}

func TestToCid(t *testing.T) {
	c := testutil.RandomCID(t)
	got, err := ToCid(cidlink.Link{Cid: c})
	require.NoError(t, err)
	require.Equal(t, c, got)
}
