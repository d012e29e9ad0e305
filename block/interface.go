package block

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-pail"
	"github.com/storacha/go-pail/block"
)

var ErrNotFound = pail.ErrNotFound

type Block = block.Block
type Fetcher = block.Fetcher

var New = block.New
var NewTieredBlockFetcher = block.NewTieredBlockFetcher

// Store is a content addressed block store with a single root pointer.
type Store interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Put(ctx context.Context, data []byte, codec multicodec.Code) (cid.Cid, error)
	Root(ctx context.Context) (cid.Cid, error)
	SetRoot(ctx context.Context, c cid.Cid) error
}

type Putter interface {
	Put(ctx context.Context, block Block) error
}

type Blockstore interface {
	block.Fetcher
	Putter
	PutBatch(ctx context.Context, blocks []Block) error
	Del(ctx context.Context, link ipld.Link) error
	Has(ctx context.Context, link ipld.Link) (bool, error)
}
