package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/block"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/carstore"
	"github.com/storacha/banyan/tracker"
	"github.com/storacha/go-ucanto/did"
)

// Drive is the local block store of one drive: its delta history, the sync
// tracker and a cache of blocks fetched from the network.
type Drive struct {
	id      did.DID
	blocks  *carstore.MultiStore
	tracker *tracker.Tracker
	cache   *block.DsBlockstore
	// fallback reads the cache and then, when online, the network.
	fallback block.Fetcher
}

var _ block.Store = (*Drive)(nil)

// OpenDrive opens the drive stored in dir, creating the first delta if the
// drive is new. Blocks missing locally are looked up in cache and then, if
// gateway is not nil, fetched from the network and cached.
func OpenDrive(ctx context.Context, fs afero.Fs, dir string, id did.DID, cache ds.Datastore, gateway block.Fetcher) (*Drive, error) {
	blocks, err := carstore.OpenMulti(fs, filepath.Join(dir, "deltas"))
	if err != nil {
		return nil, fmt.Errorf("opening drive blocks: %s: %w", id, err)
	}
	if blocks.Deltas() == 0 {
		if err := blocks.AddDelta(ctx); err != nil {
			blocks.Close()
			return nil, fmt.Errorf("creating first delta: %s: %w", id, err)
		}
	}
	tr, err := tracker.Open(fs, filepath.Join(dir, "tracker.json"))
	if err != nil {
		blocks.Close()
		return nil, fmt.Errorf("opening drive tracker: %s: %w", id, err)
	}

	cs := block.NewDsBlockstore(cache)
	var fallback block.Fetcher = cs
	if gateway != nil {
		fallback = block.NewTieredBlockFetcher(cs, block.NewCachingFetcher(gateway, cs))
	}
	return &Drive{id, blocks, tr, cs, fallback}, nil
}

func (d *Drive) ID() did.DID {
	return d.id
}

// Get returns a block from the deltas, falling back to the cache and the
// network when no delta has it. Corruption in a delta is not masked by the
// fallback.
func (d *Drive) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	b, err := d.blocks.Get(ctx, c)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, car.ErrBlockNotFound) {
		return nil, err
	}
	blk, ferr := d.fallback.Get(ctx, cidlink.Link{Cid: c})
	if ferr != nil {
		if errors.Is(ferr, block.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching block: %s: %w", c, ferr)
	}
	return blk.Bytes(), nil
}

func (d *Drive) Has(c cid.Cid) bool {
	return d.blocks.Has(c)
}

// Put writes a block to the current delta and tracks it for upload.
func (d *Drive) Put(ctx context.Context, data []byte, codec multicodec.Code) (cid.Cid, error) {
	c, err := d.blocks.Put(ctx, data, codec)
	if err != nil {
		return cid.Undef, err
	}
	if err := d.tracker.Track(c, uint64(len(data))); err != nil {
		return cid.Undef, fmt.Errorf("tracking block: %s: %w", c, err)
	}
	return c, nil
}

// Delete stops tracking c and marks it for remote deletion. Local deltas are
// immutable history and keep the block.
func (d *Drive) Delete(ctx context.Context, c cid.Cid) error {
	if err := d.tracker.Remove(c); err != nil {
		return fmt.Errorf("removing block: %s: %w", c, err)
	}
	if err := d.cache.Del(ctx, cidlink.Link{Cid: c}); err != nil {
		log.Warnf("removing cached block: %s: %s", c, err)
	}
	return nil
}

func (d *Drive) Root(ctx context.Context) (cid.Cid, error) {
	return d.blocks.Root(ctx)
}

func (d *Drive) SetRoot(ctx context.Context, c cid.Cid) error {
	return d.blocks.SetRoot(ctx, c)
}

// AddDelta seals the current delta and starts a new one.
func (d *Drive) AddDelta(ctx context.Context) error {
	return d.blocks.AddDelta(ctx)
}

// CurrentDelta serialises the current delta.
func (d *Drive) CurrentDelta(ctx context.Context) ([]byte, error) {
	cur := d.blocks.Current()
	if cur == nil {
		return nil, carstore.ErrNoCurrentDelta
	}
	return cur.Bytes()
}

// Blocks exposes the delta history.
func (d *Drive) Blocks() *carstore.MultiStore {
	return d.blocks
}

func (d *Drive) Tracker() *tracker.Tracker {
	return d.tracker
}

// Close persists the current delta and releases the drive files.
func (d *Drive) Close() error {
	return d.blocks.Close()
}
