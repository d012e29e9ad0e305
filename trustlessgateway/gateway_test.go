package trustlessgateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/block"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/carstore"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := carstore.NewMemory()
	require.NoError(t, err)
	defer s.Close()

	data := []byte("Hello Kitty!")
	c, err := s.Put(ctx, data, multicodec.Raw)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(s))
	defer srv.Close()
	client := NewClient(srv.URL, nil)

	b, err := client.Get(ctx, cidlink.Link{Cid: c})
	require.NoError(t, err)
	require.Equal(t, data, b.Bytes())

	_, err = client.Get(ctx, cidlink.Link{Cid: testutil.RandomCID(t)})
	require.ErrorIs(t, err, block.ErrNotFound)
}

func TestServer(t *testing.T) {
	ctx := context.Background()
	s, err := carstore.NewMemory()
	require.NoError(t, err)
	defer s.Close()
	c, err := s.Put(ctx, []byte("Goodbye Kitty!"), multicodec.Raw)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(s))
	defer srv.Close()

	get := func(t *testing.T, path, accept string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { res.Body.Close() })
		return res
	}

	t.Run("format query", func(t *testing.T) {
		res := get(t, "/ipfs/"+c.String()+"?format=raw", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, AcceptRaw, res.Header.Get("Content-Type"))
	})

	t.Run("non-raw", func(t *testing.T) {
		res := get(t, "/ipfs/"+c.String(), "text/html")
		require.Equal(t, http.StatusNotImplemented, res.StatusCode)
	})

	t.Run("accept with parameters", func(t *testing.T) {
		res := get(t, "/ipfs/"+c.String(), "text/html, "+AcceptRaw+";q=0.9")
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, AcceptRaw, res.Header.Get("Content-Type"))
		require.Equal(t, "Accept", res.Header.Get("Vary"))
	})

	t.Run("refused media type", func(t *testing.T) {
		res := get(t, "/ipfs/"+c.String(), AcceptRaw+";q=0")
		require.Equal(t, http.StatusNotImplemented, res.StatusCode)
	})

	t.Run("car", func(t *testing.T) {
		for _, tc := range []struct{ query, accept string }{
			{"?format=car", ""},
			{"", AcceptCar + "; version=1"},
		} {
			res := get(t, "/ipfs/"+c.String()+tc.query, tc.accept)
			require.Equal(t, http.StatusOK, res.StatusCode)
			require.Equal(t, AcceptCar, res.Header.Get("Content-Type"))

			body, err := io.ReadAll(res.Body)
			require.NoError(t, err)
			f, err := afero.TempFile(afero.NewMemMapFs(), "", "*.car")
			require.NoError(t, err)
			_, err = f.Write(body)
			require.NoError(t, err)

			ctr, err := car.Read(f)
			require.NoError(t, err)
			require.Equal(t, c, ctr.Root())
			data, err := ctr.Get(c)
			require.NoError(t, err)
			require.Equal(t, []byte("Goodbye Kitty!"), data)
		}
	})

	t.Run("invalid CID", func(t *testing.T) {
		res := get(t, "/ipfs/notacid", AcceptRaw)
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("path", func(t *testing.T) {
		res := get(t, "/ipfs/"+c.String()+"/a/b", AcceptRaw)
		require.Equal(t, http.StatusNotImplemented, res.StatusCode)
	})
}

type corruptStore struct {
	block.Store
}

func (corruptStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return nil, fmt.Errorf("getting block: %s: %w", c, car.ErrCorruptBlock)
}

func TestServerCorruptBlock(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(NewServer(corruptStore{}))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/ipfs/" + testutil.RandomCID(t).String() + "?format=raw")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, StatusCorrupt, res.StatusCode)

	_, err = NewClient(srv.URL, nil).Get(ctx, cidlink.Link{Cid: testutil.RandomCID(t)})
	require.ErrorIs(t, err, block.ErrCorrupt)
	require.NotErrorIs(t, err, block.ErrNotFound)
}

func TestClientRejectsCorruptBlock(t *testing.T) {
	ctx := context.Background()
	c := testutil.RandomCID(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the block you asked for"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Get(ctx, cidlink.Link{Cid: c})
	require.ErrorIs(t, err, block.ErrCorrupt)
}

func TestClientUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Get(context.Background(), cidlink.Link{Cid: testutil.RandomCID(t)})
	require.Error(t, err)
	require.NotErrorIs(t, err, block.ErrNotFound)
}
