package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/internal/testutil"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/stretchr/testify/require"
)

// fakeService records metadata pushes and uploaded blocks.
type fakeService struct {
	mu sync.Mutex

	pushes   []MetadataPush
	uploads  [][]cid.Cid
	blocks   map[cid.Cid][]byte
	token    string
	failures map[string]int
	status   int
	calls    map[string]int
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{
		blocks:   map[cid.Cid][]byte{},
		token:    "secret-token",
		failures: map[string]int{},
		calls:    map[string]int{},
		status:   http.StatusServiceUnavailable,
	}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("POST /api/v1/drives/{drive}/metadata", func(w http.ResponseWriter, r *http.Request) {
		if f.fail("metadata", w) {
			return
		}
		if r.Header.Get(AgentHeader) == "" {
			http.Error(w, "missing agent", http.StatusUnauthorized)
			return
		}
		if _, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader)); err != nil {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := unmarshalMetadataPush(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		n := len(f.pushes)
		f.mu.Unlock()

		b, _ := marshalMetadataPushResult(MetadataPushResult{
			ID:            "metadata-" + strings.Repeat("x", n),
			Host:          srv.URL,
			Authorization: f.token,
		})
		w.Write(b)
	})

	mux.HandleFunc("POST /api/v1/upload", func(w http.ResponseWriter, r *http.Request) {
		if f.fail("upload", w) {
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		fs := afero.NewMemMapFs()
		if err := afero.WriteFile(fs, "upload.car", body, 0644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		file, err := fs.OpenFile("upload.car", os.O_RDWR, 0644)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		c, err := car.Read(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		ids := c.Cids()
		for _, id := range ids {
			data, err := c.Get(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.blocks[id] = data
		}
		f.uploads = append(f.uploads, ids)
	})

	return f, srv
}

// fail responds with the configured failure status while failures remain for
// the named endpoint.
func (f *fakeService) fail(name string, w http.ResponseWriter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.failures[name] > 0 {
		f.failures[name]--
		http.Error(w, "try again", f.status)
		return true
	}
	return false
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	agent, err := signer.Generate()
	require.NoError(t, err)
	return NewClient(endpoint, agent, WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}))
}

func TestPushMetadata(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeService(t)
	c := newTestClient(t, srv.URL)
	drive, err := signer.Generate()
	require.NoError(t, err)

	req := MetadataPush{
		Root:      testutil.RandomCID(t),
		Metadata:  testutil.RandomCID(t),
		ValidKeys: []string{"fingerprint"},
		Deleted:   []cid.Cid{testutil.RandomCID(t)},
		Data:      []byte("delta bytes"),
	}
	res, err := c.PushMetadata(ctx, drive.DID(), req)
	require.NoError(t, err)
	require.Equal(t, srv.URL, res.Host)
	require.Equal(t, f.token, res.Authorization)
	require.Equal(t, "metadata-x", res.ID)

	require.Len(t, f.pushes, 1)
	require.Equal(t, req, f.pushes[0])
	require.False(t, f.pushes[0].Previous.Defined())
}

func TestRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("server errors are retried", func(t *testing.T) {
		f, srv := newFakeService(t)
		c := newTestClient(t, srv.URL)
		f.failures["upload"] = 2
		err := c.UploadBlocks(ctx, srv.URL, f.token, emptyCAR(t))
		require.NoError(t, err)
		require.Equal(t, 3, f.calls["upload"])
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		f, srv := newFakeService(t)
		c := newTestClient(t, srv.URL)
		err := c.UploadBlocks(ctx, srv.URL, "wrong-token", emptyCAR(t))
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, http.StatusForbidden, serr.StatusCode)
		require.Equal(t, 1, f.calls["upload"])
	})

	t.Run("gives up", func(t *testing.T) {
		f, srv := newFakeService(t)
		c := newTestClient(t, srv.URL)
		f.failures["upload"] = 100
		err := c.UploadBlocks(ctx, srv.URL, f.token, emptyCAR(t))
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)
		require.Equal(t, 4, f.calls["upload"])
	})
}

func emptyCAR(t *testing.T) []byte {
	t.Helper()
	buf := bytes.NewBuffer([]byte{})
	fs := afero.NewMemMapFs()
	file, err := fs.Create("empty.car")
	require.NoError(t, err)
	c, err := car.New(file)
	require.NoError(t, err)
	_, err = c.WriteTo(buf)
	require.NoError(t, err)
	return buf.Bytes()
}
