package block

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	dshelp "github.com/ipfs/go-ipfs-ds-help"
	"github.com/ipld/go-ipld-prime"
	"github.com/storacha/go-pail/block"
)

// DsBlockstore stores blocks in a datastore keyed by multihash, so the same
// bytes under different codecs share one entry.
type DsBlockstore struct {
	data datastore.Datastore
}

func (bs *DsBlockstore) Get(ctx context.Context, link ipld.Link) (block.Block, error) {
	c, err := ToCid(link)
	if err != nil {
		return nil, err
	}
	b, err := bs.data.Get(ctx, dshelp.MultihashToDsKey(c.Hash()))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, fmt.Errorf("getting block: %s: %w", link, ErrNotFound)
		}
		return nil, fmt.Errorf("getting block: %s: %w", link, err)
	}
	if err := Verify(c, b); err != nil {
		return nil, err
	}
	return block.New(link, b), nil
}

func (bs *DsBlockstore) Has(ctx context.Context, link ipld.Link) (bool, error) {
	c, err := ToCid(link)
	if err != nil {
		return false, err
	}
	return bs.data.Has(ctx, dshelp.MultihashToDsKey(c.Hash()))
}

func (bs *DsBlockstore) Put(ctx context.Context, block block.Block) error {
	c, err := ToCid(block.Link())
	if err != nil {
		return err
	}
	err = bs.data.Put(ctx, dshelp.MultihashToDsKey(c.Hash()), block.Bytes())
	if err != nil {
		return fmt.Errorf("putting block: %w", err)
	}
	return nil
}

func (bs *DsBlockstore) PutBatch(ctx context.Context, blocks []block.Block) error {
	if bds, ok := bs.data.(datastore.Batching); ok {
		batch, err := bds.Batch(ctx)
		if err != nil {
			return fmt.Errorf("creating batch: %w", err)
		}
		for _, b := range blocks {
			c, err := ToCid(b.Link())
			if err != nil {
				return err
			}
			err = batch.Put(ctx, dshelp.MultihashToDsKey(c.Hash()), b.Bytes())
			if err != nil {
				return err
			}
		}
		err = batch.Commit(ctx)
		if err != nil {
			return fmt.Errorf("comitting batch: %w", err)
		}
	} else {
		for _, b := range blocks {
			err := bs.Put(ctx, b)
			if err != nil {
				return fmt.Errorf("putting block: %w", err)
			}
		}
	}
	return nil
}

func (bs *DsBlockstore) Del(ctx context.Context, link ipld.Link) error {
	c, err := ToCid(link)
	if err != nil {
		return err
	}
	err = bs.data.Delete(ctx, dshelp.MultihashToDsKey(c.Hash()))
	if err != nil {
		return fmt.Errorf("deleting block: %w", err)
	}
	return nil
}

func NewDsBlockstore(dstore datastore.Datastore) *DsBlockstore {
	return &DsBlockstore{dstore}
}
