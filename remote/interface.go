package remote

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/storacha/banyan/tracker"
	"github.com/storacha/go-ucanto/did"
)

// Remote is the metadata and storage service a drive syncs with.
type Remote interface {
	// PushMetadata publishes a new drive version and obtains a storage grant
	// for uploading its blocks.
	PushMetadata(ctx context.Context, drive did.DID, req MetadataPush) (MetadataPushResult, error)
	// UploadBlocks sends a CAR of blocks to a storage host.
	UploadBlocks(ctx context.Context, host string, authorization string, car []byte) error
}

// Source is the local side of a sync.
type Source interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Root(ctx context.Context) (cid.Cid, error)
	// CurrentDelta serialises the delta that will be sealed by the push.
	CurrentDelta(ctx context.Context) ([]byte, error)
	AddDelta(ctx context.Context) error
	Tracker() *tracker.Tracker
}

type MetadataPush struct {
	Root     cid.Cid
	Metadata cid.Cid
	// Previous is the metadata of the last push, cid.Undef for the first.
	Previous  cid.Cid
	ValidKeys []string
	Deleted   []cid.Cid
	Data      []byte
}

type MetadataPushResult struct {
	ID            string
	Host          string
	Authorization string
}
