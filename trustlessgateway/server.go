package trustlessgateway

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/banyan/block"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/carstore"
)

const (
	AcceptRaw = "application/vnd.ipld.raw"
	AcceptCar = "application/vnd.ipld.car"
)

// StatusCorrupt is returned when a stored block no longer hashes to its CID.
const StatusCorrupt = http.StatusUnprocessableEntity

// NewServer serves blocks of a drive or container store at /ipfs/{cid}, either
// as raw bytes or wrapped in a single block CAR rooted at the block.
func NewServer(store block.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ipfs/{root}", NewHandler(store))
	mux.HandleFunc("GET /ipfs/{root}/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "path traversal not implemented", http.StatusNotImplemented)
	})
	return mux
}

func NewHandler(store block.Store) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept")
		format := responseFormat(r)
		if format == "" {
			http.Error(w, "only raw and car responses are implemented", http.StatusNotImplemented)
			return
		}
		root, err := cid.Parse(r.PathValue("root"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid CID: %s", err.Error()), http.StatusBadRequest)
			return
		}
		data, err := store.Get(r.Context(), root)
		if err != nil {
			switch {
			case errors.Is(err, car.ErrBlockNotFound), errors.Is(err, block.ErrNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, car.ErrCorruptBlock):
				log.Errorf("serving block: %s", err)
				http.Error(w, "block failed integrity check", StatusCorrupt)
			default:
				log.Errorf("getting block: %s", err)
				http.Error(w, "failed to get block", http.StatusInternalServerError)
			}
			return
		}

		if format == AcceptCar {
			data, err = singleBlockCar(r.Context(), root, data)
			if err != nil {
				log.Errorf("encoding CAR: %s", err)
				http.Error(w, err.Error(), http.StatusNotImplemented)
				return
			}
		}

		w.Header().Set("Content-Type", format)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "public, max-age=29030400, immutable")
		_, err = w.Write(data)
		if err != nil {
			log.Errorf("writing block: %s", err)
		}
	}
}

// responseFormat picks the response media type from the format query
// parameter, falling back to the Accept header. It returns "" when neither
// asks for something this server can produce.
func responseFormat(r *http.Request) string {
	switch r.URL.Query().Get("format") {
	case "raw":
		return AcceptRaw
	case "car":
		return AcceptCar
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok {
			if v, err := strconv.ParseFloat(q, 64); err != nil || v == 0 {
				continue
			}
		}
		if mt == AcceptRaw || mt == AcceptCar {
			return mt
		}
	}
	return ""
}

func singleBlockCar(ctx context.Context, root cid.Cid, data []byte) ([]byte, error) {
	s, err := carstore.NewMemory()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	c, err := s.Put(ctx, data, multicodec.Code(root.Prefix().Codec))
	if err != nil {
		return nil, err
	}
	if !c.Equals(root) {
		return nil, fmt.Errorf("cannot encode %s: only sha2-256 CIDv1 blocks are supported", root)
	}
	if err := s.SetRoot(ctx, root); err != nil {
		return nil, err
	}
	return s.Bytes()
}
