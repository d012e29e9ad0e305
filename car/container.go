package car

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

var log = logging.Logger("car")

// File is the backing storage of a container. afero.File and *os.File both
// satisfy it.
type File interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
}

type section struct {
	cid    cid.Cid
	offset int64
	size   int64
}

// Container is a CARv2 file opened for random access reads and appends.
//
// Put appends sections past the end of the backing file and SetRoot only
// changes memory; neither is durable until the container is written out with
// WriteTo. A Container is not safe for concurrent use.
type Container struct {
	file     File
	roots    []cid.Cid
	sections []section
	// index maps a CID key string to its position in sections.
	index map[string]int
	end   int64
}

// New writes an empty container to f, rooted at EmptyRoot.
func New(f File) (*Container, error) {
	c := &Container{
		file:  f,
		roots: []cid.Cid{EmptyRoot},
		index: map[string]int{},
	}
	n, err := c.WriteTo(io.NewOffsetWriter(f, 0))
	if err != nil {
		return nil, fmt.Errorf("writing empty container: %w", err)
	}
	c.end = n
	return c, nil
}

// Read parses the container in f. The index is loaded if present and valid,
// otherwise it is rebuilt by scanning the CARv1 payload.
func Read(f File) (*Container, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("getting container size: %w", err)
	}
	size := info.Size()

	h, err := ReadHeader(f)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h, size); err != nil {
		return nil, err
	}

	dataStart := int64(h.DataOffset)
	dataEnd := dataStart + int64(h.DataSize)
	v1, n, err := ReadV1Header(f, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}

	c := &Container{
		file:  f,
		roots: v1.Roots,
		index: map[string]int{},
		end:   size,
	}

	first := dataStart + n
	if h.IndexOffset != 0 {
		err = c.loadIndex(h, size, first, dataEnd)
		if err == nil {
			return c, nil
		}
		log.Warnf("rebuilding index by scan: %s", err)
		c.sections = nil
		c.index = map[string]int{}
	}
	if err := c.scan(first, dataEnd); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) loadIndex(h Header, size, first, dataEnd int64) error {
	buf := make([]byte, size-int64(h.IndexOffset))
	if _, err := c.file.ReadAt(buf, int64(h.IndexOffset)); err != nil && err != io.EOF {
		return fmt.Errorf("reading index: %w", err)
	}
	entries, err := DecodeIndex(buf)
	if err != nil {
		return err
	}
	slices.SortFunc(entries, func(a, b IndexEntry) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	for _, e := range entries {
		off := int64(h.DataOffset) + int64(e.Offset)
		if off < first || off >= dataEnd {
			return formatErrorf("index entry offset %d outside data range", e.Offset)
		}
		head, err := ReadSectionHead(c.file, off, dataEnd)
		if err != nil {
			return err
		}
		if string(head.Cid.Hash()) != string(e.Hash) {
			return formatErrorf("index entry at %d does not match section %s", e.Offset, head.Cid)
		}
		c.add(head.Cid, off, head.Size)
	}
	return nil
}

func (c *Container) scan(off, limit int64) error {
	for off < limit {
		head, err := ReadSectionHead(c.file, off, limit)
		if err != nil {
			return err
		}
		c.add(head.Cid, off, head.Size)
		off += head.Size
	}
	return nil
}

func (c *Container) add(id cid.Cid, off, size int64) {
	key := id.KeyString()
	if _, ok := c.index[key]; ok {
		return
	}
	c.index[key] = len(c.sections)
	c.sections = append(c.sections, section{id, off, size})
}

// Has reports whether block id is indexed. A block with the same multihash
// under another codec does not count.
func (c *Container) Has(id cid.Cid) bool {
	_, ok := c.index[id.KeyString()]
	return ok
}

// Len is the number of indexed blocks.
func (c *Container) Len() int {
	return len(c.sections)
}

// Cids returns the indexed CIDs in append order.
func (c *Container) Cids() []cid.Cid {
	out := make([]cid.Cid, 0, len(c.sections))
	for _, s := range c.sections {
		out = append(out, s.cid)
	}
	return out
}

// Get returns the data of block id after checking it hashes to id.
func (c *Container) Get(id cid.Cid) ([]byte, error) {
	pos, ok := c.index[id.KeyString()]
	if !ok {
		return nil, fmt.Errorf("getting block: %s: %w", id, ErrBlockNotFound)
	}
	s := c.sections[pos]
	_, data, _, err := ReadSection(c.file, s.offset, s.offset+s.size)
	if err != nil {
		return nil, fmt.Errorf("getting block: %s: %w: %w", id, ErrCorruptBlock, err)
	}
	sum, err := id.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("hashing block: %s: %w", id, err)
	}
	if !sum.Equals(id) {
		return nil, fmt.Errorf("getting block: %s: %w: hashes to %s", id, ErrCorruptBlock, sum)
	}
	return data, nil
}

// Codecs are the block codecs Put accepts.
var Codecs = map[multicodec.Code]struct{}{
	multicodec.Raw:     {},
	multicodec.DagPb:   {},
	multicodec.DagCbor: {},
	multicodec.DagJson: {},
	multicodec.Cbor:    {},
	multicodec.Json:    {},
}

// Put appends data as a block with the given codec and returns its sha2-256
// CIDv1. A block already present is not written again. Only IPLD data codecs
// are accepted.
func (c *Container) Put(data []byte, codec multicodec.Code) (cid.Cid, error) {
	if _, ok := Codecs[codec]; !ok {
		return cid.Undef, fmt.Errorf("putting block: %s: %w", codec, ErrUnsupportedCodec)
	}
	id, err := cid.Prefix{
		Version:  1,
		Codec:    uint64(codec),
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing block: %w", err)
	}
	if c.Has(id) {
		log.Debugf("block already present: %s", id)
		return id, nil
	}

	buf := AppendSection(nil, id, data)
	if _, err := c.file.WriteAt(buf, c.end); err != nil {
		return cid.Undef, fmt.Errorf("writing block: %s: %w", id, err)
	}
	c.add(id, c.end, int64(len(buf)))
	c.end += int64(len(buf))
	return id, nil
}

// Root returns the first root, or cid.Undef if the container lists none.
func (c *Container) Root() cid.Cid {
	if len(c.roots) == 0 {
		return cid.Undef
	}
	return c.roots[0]
}

// Roots returns a copy of the root list.
func (c *Container) Roots() []cid.Cid {
	return slices.Clone(c.roots)
}

// SetRoot replaces the first root.
func (c *Container) SetRoot(root cid.Cid) {
	if len(c.roots) == 0 {
		c.roots = []cid.Cid{root}
		return
	}
	c.roots[0] = root
}

// WriteTo serialises the complete container, including blocks appended since
// it was read, as a compact CARv2 file with a fresh index.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	hdr, err := appendV1Header(nil, V1Header{Version: 1, Roots: c.roots})
	if err != nil {
		return 0, fmt.Errorf("encoding CARv1 header: %w", err)
	}
	dataSize := int64(len(hdr))
	for _, s := range c.sections {
		dataSize += s.size
	}

	h := newHeader(uint64(dataSize))

	cw := &countWriter{w: w}
	if _, err := cw.Write(Pragma); err != nil {
		return cw.n, err
	}
	if _, err := h.WriteTo(cw); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	entries := make(map[uint64]cid.Cid, len(c.sections))
	rel := uint64(len(hdr))
	for _, s := range c.sections {
		raw := make([]byte, s.size)
		if _, err := c.file.ReadAt(raw, s.offset); err != nil && err != io.EOF {
			return cw.n, fmt.Errorf("reading block: %s: %w", s.cid, err)
		}
		if _, err := cw.Write(raw); err != nil {
			return cw.n, err
		}
		entries[rel] = s.cid
		rel += uint64(s.size)
	}

	if err := EncodeIndex(cw, entries); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes returns the serialised container.
func (c *Container) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{})
	if _, err := c.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
