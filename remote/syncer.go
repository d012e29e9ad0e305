package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/carstore"
	"github.com/storacha/go-ucanto/did"
)

type PushOptions struct {
	// Previous is the metadata CID returned by the last push.
	Previous  cid.Cid
	ValidKeys []string
}

type PushResult struct {
	// Metadata is the CID of the pushed delta, the Previous of the next push.
	Metadata      cid.Cid
	ID            string
	Deleted       int
	Uploaded      int
	UploadedBytes uint64
	// Missing counts tracked blocks that could not be read locally and were
	// dropped from the tracker.
	Missing int
}

// Syncer pushes the local state of a drive to a remote.
type Syncer struct {
	drive     did.DID
	source    Source
	remote    Remote
	threshold uint64
}

// NewSyncer creates a syncer that uploads blocks in CARs of at most threshold
// bytes of block data. A block larger than threshold is sent on its own.
func NewSyncer(drive did.DID, source Source, remote Remote, threshold uint64) *Syncer {
	return &Syncer{drive, source, remote, threshold}
}

// Push publishes the current delta as the drive metadata, reports pending
// deletions, uploads every tracked block and seals the delta. Blocks are
// untracked as their batch is accepted, so an interrupted push resumes where
// it stopped.
func (s *Syncer) Push(ctx context.Context, opts PushOptions) (PushResult, error) {
	var res PushResult
	tr := s.source.Tracker()

	root, err := s.source.Root(ctx)
	if err != nil {
		return res, fmt.Errorf("getting root: %w", err)
	}
	data, err := s.source.CurrentDelta(ctx)
	if err != nil {
		return res, fmt.Errorf("reading current delta: %w", err)
	}
	res.Metadata, err = cid.Prefix{
		Version:  1,
		Codec:    uint64(multicodec.Raw),
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}.Sum(data)
	if err != nil {
		return res, fmt.Errorf("hashing current delta: %w", err)
	}

	deleted := tr.Deleted()
	grant, err := s.remote.PushMetadata(ctx, s.drive, MetadataPush{
		Root:      root,
		Metadata:  res.Metadata,
		Previous:  opts.Previous,
		ValidKeys: opts.ValidKeys,
		Deleted:   deleted,
		Data:      data,
	})
	if err != nil {
		return res, err
	}
	res.ID = grant.ID
	res.Deleted = len(deleted)
	if err := tr.ClearDeleted(); err != nil {
		return res, fmt.Errorf("clearing deleted blocks: %w", err)
	}

	b := &batch{}
	defer b.close()
	for _, c := range tr.Tracked() {
		data, err := s.source.Get(ctx, c)
		if err != nil {
			if errors.Is(err, car.ErrBlockNotFound) {
				log.Warnf("tracked block missing locally, untracking: %s", c)
				if err := tr.Untrack(c); err != nil {
					return res, fmt.Errorf("untracking block: %s: %w", c, err)
				}
				res.Missing++
				continue
			}
			return res, fmt.Errorf("reading tracked block: %s: %w", c, err)
		}
		if len(b.cids) > 0 && b.size+uint64(len(data)) > s.threshold {
			if err := s.upload(ctx, grant, b, &res); err != nil {
				return res, err
			}
		}
		if err := b.add(ctx, c, data); err != nil {
			return res, err
		}
	}
	if len(b.cids) > 0 {
		if err := s.upload(ctx, grant, b, &res); err != nil {
			return res, err
		}
	}

	if err := s.source.AddDelta(ctx); err != nil {
		return res, fmt.Errorf("sealing delta: %w", err)
	}
	log.Infof("pushed drive %s: %d blocks (%d bytes), %d deletions", s.drive, res.Uploaded, res.UploadedBytes, res.Deleted)
	return res, nil
}

func (s *Syncer) upload(ctx context.Context, grant MetadataPushResult, b *batch, res *PushResult) error {
	carBytes, err := b.store.Bytes()
	if err != nil {
		return fmt.Errorf("serialising upload batch: %w", err)
	}
	log.Debugf("uploading %d blocks (%d bytes) to %s", len(b.cids), len(carBytes), grant.Host)
	if err := s.remote.UploadBlocks(ctx, grant.Host, grant.Authorization, carBytes); err != nil {
		return err
	}
	tr := s.source.Tracker()
	for _, c := range b.cids {
		if err := tr.Untrack(c); err != nil {
			return fmt.Errorf("untracking block: %s: %w", c, err)
		}
	}
	res.Uploaded += len(b.cids)
	res.UploadedBytes += b.size
	b.close()
	return nil
}

// batch collects blocks for one upload in an in-memory container.
type batch struct {
	store *carstore.FileStore
	cids  []cid.Cid
	size  uint64
}

func (b *batch) add(ctx context.Context, c cid.Cid, data []byte) error {
	if b.store == nil {
		s, err := carstore.NewMemory()
		if err != nil {
			return fmt.Errorf("creating upload batch: %w", err)
		}
		b.store = s
	}
	got, err := b.store.Put(ctx, data, multicodec.Code(c.Prefix().Codec))
	if err != nil {
		return fmt.Errorf("adding block to batch: %s: %w", c, err)
	}
	if !got.Equals(c) {
		return fmt.Errorf("adding block to batch: %s: unsupported CID prefix, block hashes to %s", c, got)
	}
	b.cids = append(b.cids, c)
	b.size += uint64(len(data))
	return nil
}

func (b *batch) close() {
	if b.store != nil {
		b.store.Close()
	}
	b.store, b.cids, b.size = nil, nil, 0
}
