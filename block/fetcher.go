package block

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/storacha/banyan/car"
	"github.com/storacha/go-pail/block"
)

var log = logging.Logger("block")

// ErrCorrupt is returned when fetched bytes do not hash to the requested CID.
var ErrCorrupt = car.ErrCorruptBlock

// StoreFetcher exposes a Store as a Fetcher.
type StoreFetcher struct {
	store Store
}

func (sf *StoreFetcher) Get(ctx context.Context, link ipld.Link) (Block, error) {
	c, err := ToCid(link)
	if err != nil {
		return nil, err
	}
	b, err := sf.store.Get(ctx, c)
	if err != nil {
		if errors.Is(err, car.ErrBlockNotFound) {
			return nil, fmt.Errorf("getting block: %s: %w", c, ErrNotFound)
		}
		return nil, err
	}
	return block.New(link, b), nil
}

// NewStoreFetcher adapts a Store so it can be tiered with other fetchers or
// served over HTTP. A missing block is reported as ErrNotFound.
func NewStoreFetcher(store Store) Fetcher {
	return &StoreFetcher{store}
}

type CachingBlockFetcher struct {
	fetcher Fetcher
	cache   Putter
}

func (cf *CachingBlockFetcher) Get(ctx context.Context, link ipld.Link) (Block, error) {
	b, err := cf.fetcher.Get(ctx, link)
	if err != nil {
		return nil, err
	}
	err = cf.cache.Put(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("caching block: %w", err)
	}
	log.Debugf("cached block: %s", link)
	return b, nil
}

// NewCachingFetcher creates a block fetcher that writes every block it fetches
// to a cache.
func NewCachingFetcher(fetcher Fetcher, cache Putter) Fetcher {
	return &CachingBlockFetcher{fetcher, cache}
}

func ToCid(link ipld.Link) (cid.Cid, error) {
	if cl, ok := link.(cidlink.Link); ok {
		return cl.Cid, nil
	}
	c, err := cid.Parse(link.String())
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding CID: %w", err)
	}
	return c, nil
}

// Verify checks that data hashes to c.
func Verify(c cid.Cid, data []byte) error {
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("hashing block: %s: %w", c, err)
	}
	if !sum.Equals(c) {
		return fmt.Errorf("consistency check failure: %s: %w", c, ErrCorrupt)
	}
	return nil
}
