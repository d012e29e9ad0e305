package carstore

import (
	"context"
	"testing"

	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	s, err := Open(fs, "store.car")
	require.NoError(t, err)
	root, err := s.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, car.EmptyRoot, root)
	require.False(t, s.Dirty())

	data := []byte("Hello Kitty!")
	id, err := s.Put(ctx, data, multicodec.Raw)
	require.NoError(t, err)
	require.True(t, s.Dirty())
	require.True(t, s.Has(id))

	newRoot := testutil.RandomCID(t)
	require.NoError(t, s.SetRoot(ctx, newRoot))
	require.NoError(t, s.Persist())
	require.False(t, s.Dirty())
	require.NoError(t, s.Close())

	exists, err := afero.Exists(fs, "store.car.tmp")
	require.NoError(t, err)
	require.False(t, exists)

	s, err = Open(fs, "store.car")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)

	root, err = s.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, newRoot, root)
}

func TestFileStoreUnpersistedChangesAreLost(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	s, err := Open(fs, "store.car")
	require.NoError(t, err)
	require.NoError(t, s.SetRoot(ctx, testutil.RandomCID(t)))
	require.NoError(t, s.Close())

	s, err = Open(fs, "store.car")
	require.NoError(t, err)
	defer s.Close()
	root, err := s.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, car.EmptyRoot, root)
}

func TestCreateExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, "a.car", car.EmptyRoot)
	require.NoError(t, err)
	defer s.Close()

	_, err = Create(fs, "a.car", car.EmptyRoot)
	require.Error(t, err)
}

func TestCreateWithRoot(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	root := testutil.RandomCID(t)

	s, err := Create(fs, "a.car", root)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(fs, "a.car")
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()

	var ids = map[string][]byte{}
	for i := 0; i < 10; i++ {
		data := testutil.RandomBytes(t, 128)
		id, err := s.Put(ctx, data, multicodec.DagCbor)
		require.NoError(t, err)
		ids[id.KeyString()] = data
	}
	require.Equal(t, 10, s.Len())

	b, err := s.Bytes()
	require.NoError(t, err)
	require.Equal(t, car.Pragma, b[:car.PragmaSize])

	for _, id := range s.Cids() {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, ids[id.KeyString()], got)
	}
}
