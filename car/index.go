package car

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2/index"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// IndexCodec identifies the serialised index: digests grouped by multihash
// code, then by width, sorted within each group.
const IndexCodec = multicodec.CarMultihashIndexSorted

// IndexEntry maps a block multihash to the offset of its section, relative to
// the start of the CARv1 payload. Sections of CIDs that differ only by codec
// get one entry each.
type IndexEntry struct {
	Hash   multihash.Multihash
	Offset uint64
}

// EncodeIndex writes a multihash sorted index of the sections at the given
// payload offsets.
func EncodeIndex(w io.Writer, sections map[uint64]cid.Cid) error {
	records := make([]index.Record, 0, len(sections))
	for off, c := range sections {
		records = append(records, index.Record{Cid: c, Offset: off})
	}
	idx := index.NewMultihashSorted()
	if err := idx.Load(records); err != nil {
		return fmt.Errorf("building index: %w", err)
	}
	if _, err := index.WriteTo(idx, w); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// DecodeIndex parses an index written by EncodeIndex. Bytes following the
// index are ignored.
func DecodeIndex(b []byte) ([]IndexEntry, error) {
	idx, err := index.ReadFrom(bytes.NewReader(b))
	if err != nil {
		return nil, formatErrorf("decoding index: %s", err)
	}
	if idx.Codec() != IndexCodec {
		return nil, formatErrorf("unsupported index codec %s", idx.Codec())
	}
	it, ok := idx.(index.IterableIndex)
	if !ok {
		return nil, formatErrorf("index %s cannot be iterated", idx.Codec())
	}
	var entries []IndexEntry
	err = it.ForEach(func(mh multihash.Multihash, off uint64) error {
		entries = append(entries, IndexEntry{Hash: mh, Offset: off})
		return nil
	})
	if err != nil {
		return nil, formatErrorf("reading index: %s", err)
	}
	return entries, nil
}
