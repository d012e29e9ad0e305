package remote

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/storacha/banyan/store"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/stretchr/testify/require"
)

func openDrive(t *testing.T) *store.Drive {
	t.Helper()
	id, err := signer.Generate()
	require.NoError(t, err)
	d, err := store.OpenDrive(
		context.Background(),
		afero.NewMemMapFs(),
		"/drive",
		id.DID(),
		dssync.MutexWrap(datastore.NewMapDatastore()),
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeService(t)
	d := openDrive(t)

	var cids []cid.Cid
	for i := 0; i < 5; i++ {
		c, err := d.Put(ctx, []byte(fmt.Sprintf("%0100d", i)), multicodec.Raw)
		require.NoError(t, err)
		cids = append(cids, c)
	}
	require.NoError(t, d.SetRoot(ctx, cids[0]))
	gone := testutil.RandomCID(t)
	require.NoError(t, d.Delete(ctx, gone))

	delta, err := d.CurrentDelta(ctx)
	require.NoError(t, err)

	s := NewSyncer(d.ID(), d, newTestClient(t, srv.URL), 250)
	res, err := s.Push(ctx, PushOptions{ValidKeys: []string{"key"}})
	require.NoError(t, err)
	require.Equal(t, 5, res.Uploaded)
	require.Equal(t, uint64(500), res.UploadedBytes)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 0, res.Missing)

	require.Len(t, f.pushes, 1)
	push := f.pushes[0]
	require.Equal(t, cids[0], push.Root)
	require.Equal(t, delta, push.Data)
	require.Equal(t, res.Metadata, push.Metadata)
	require.Equal(t, []cid.Cid{gone}, push.Deleted)
	sum, err := push.Metadata.Prefix().Sum(delta)
	require.NoError(t, err)
	require.Equal(t, push.Metadata, sum)

	// 100 byte blocks under a 250 byte threshold go two at a time
	require.Len(t, f.uploads, 3)
	for _, c := range cids {
		require.Contains(t, f.blocks, c)
	}

	require.Empty(t, d.Tracker().Tracked())
	require.Empty(t, d.Tracker().Deleted())
	require.Equal(t, 2, d.Blocks().Deltas())

	t.Run("next push chains", func(t *testing.T) {
		c, err := d.Put(ctx, []byte("Hello Kitty!"), multicodec.Raw)
		require.NoError(t, err)
		next, err := s.Push(ctx, PushOptions{Previous: res.Metadata})
		require.NoError(t, err)
		require.Equal(t, 1, next.Uploaded)
		require.Equal(t, res.Metadata, f.pushes[1].Previous)
		require.Contains(t, f.blocks, c)
		require.Equal(t, 3, d.Blocks().Deltas())
	})
}

func TestPushOversizedBlock(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeService(t)
	d := openDrive(t)

	_, err := d.Put(ctx, testutil.RandomBytes(t, 1000), multicodec.Raw)
	require.NoError(t, err)
	_, err = d.Put(ctx, testutil.RandomBytes(t, 10), multicodec.Raw)
	require.NoError(t, err)

	res, err := NewSyncer(d.ID(), d, newTestClient(t, srv.URL), 100).Push(ctx, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Uploaded)
	require.Len(t, f.uploads, 2)
}

func TestPushMissingBlock(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeService(t)
	d := openDrive(t)

	missing := testutil.RandomCID(t)
	require.NoError(t, d.Tracker().Track(missing, 42))

	res, err := NewSyncer(d.ID(), d, newTestClient(t, srv.URL), 100).Push(ctx, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Missing)
	require.Equal(t, 0, res.Uploaded)
	require.False(t, d.Tracker().IsTracked(missing))
}

func TestPushRejected(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeService(t)
	f.status = http.StatusForbidden
	f.failures["metadata"] = 1
	d := openDrive(t)

	c, err := d.Put(ctx, []byte("Hello Kitty!"), multicodec.Raw)
	require.NoError(t, err)
	gone := testutil.RandomCID(t)
	require.NoError(t, d.Delete(ctx, gone))

	_, err = NewSyncer(d.ID(), d, newTestClient(t, srv.URL), 100).Push(ctx, PushOptions{})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusForbidden, serr.StatusCode)
	require.Equal(t, 1, f.calls["metadata"])

	// nothing is forgotten when the push fails
	require.True(t, d.Tracker().IsTracked(c))
	require.Equal(t, []cid.Cid{gone}, d.Tracker().Deleted())
	require.Equal(t, 1, d.Blocks().Deltas())
}

func TestPushUploadFailureKeepsUnsentBlocksTracked(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeService(t)
	f.failures["upload"] = 100
	d := openDrive(t)

	c, err := d.Put(ctx, []byte("Goodbye Kitty!"), multicodec.Raw)
	require.NoError(t, err)

	_, err = NewSyncer(d.ID(), d, newTestClient(t, srv.URL), 100).Push(ctx, PushOptions{})
	require.Error(t, err)
	require.True(t, d.Tracker().IsTracked(c))
	require.Equal(t, 1, d.Blocks().Deltas())
}
