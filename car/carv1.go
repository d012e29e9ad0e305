package car

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// maxSectionHead bounds the bytes read to decode a section prefix: a varint
// plus a CID with a 64 byte digest.
const maxSectionHead = varint.MaxLenUvarint63 + 128

// EmptyRoot stands in for "no root yet". It is the raw identity CID of zero
// bytes so a container always has a well formed root to report.
var EmptyRoot = func() cid.Cid {
	mh, err := multihash.Sum(nil, multihash.IDENTITY, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), mh)
}()

// V1Header is the dag-cbor header at the start of the CARv1 payload.
type V1Header struct {
	Version uint64
	Roots   []cid.Cid
}

func (h V1Header) Marshal() ([]byte, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, err := nb.BeginMap(2)
	if err != nil {
		return nil, err
	}
	err = ma.AssembleKey().AssignString("roots")
	if err != nil {
		return nil, err
	}
	la, err := ma.AssembleValue().BeginList(int64(len(h.Roots)))
	if err != nil {
		return nil, err
	}
	for _, r := range h.Roots {
		err = la.AssembleValue().AssignLink(cidlink.Link{Cid: r})
		if err != nil {
			return nil, err
		}
	}
	err = la.Finish()
	if err != nil {
		return nil, err
	}
	err = ma.AssembleKey().AssignString("version")
	if err != nil {
		return nil, err
	}
	err = ma.AssembleValue().AssignInt(int64(h.Version))
	if err != nil {
		return nil, err
	}
	err = ma.Finish()
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer([]byte{})
	err = dagcbor.Encode(nb.Build(), buf)
	if err != nil {
		return nil, fmt.Errorf("CBOR encoding: %w", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalV1Header(b []byte) (V1Header, error) {
	var h V1Header

	nb := basicnode.Prototype.Map.NewBuilder()
	err := dagcbor.Decode(nb, bytes.NewReader(b))
	if err != nil {
		return h, formatErrorf("decoding CARv1 header: %s", err)
	}
	n := nb.Build()

	vn, err := n.LookupByString("version")
	if err != nil {
		return h, formatErrorf("CARv1 header missing version")
	}
	v, err := vn.AsInt()
	if err != nil || v < 0 {
		return h, formatErrorf("CARv1 header version is not an unsigned integer")
	}
	h.Version = uint64(v)

	rn, err := n.LookupByString("roots")
	if err != nil {
		var nf datamodel.ErrNotExists
		if errors.As(err, &nf) {
			return h, nil
		}
		return h, formatErrorf("looking up roots: %s", err)
	}
	roots := rn.ListIterator()
	if roots == nil {
		return h, formatErrorf("CARv1 header roots is not a list")
	}
	for !roots.Done() {
		_, rn, err := roots.Next()
		if err != nil {
			return h, formatErrorf("iterating roots: %s", err)
		}
		link, err := rn.AsLink()
		if err != nil {
			return h, formatErrorf("decoding root: %s", err)
		}
		cl, ok := link.(cidlink.Link)
		if !ok {
			return h, formatErrorf("root is not a CID link")
		}
		h.Roots = append(h.Roots, cl.Cid)
	}
	return h, nil
}

// ReadV1Header reads the varint prefixed CARv1 header at off. It returns the
// header and the number of bytes it occupies.
func ReadV1Header(r io.ReaderAt, off, limit int64) (V1Header, int64, error) {
	l, vn, err := readUvarintAt(r, off, limit)
	if err != nil {
		return V1Header{}, 0, err
	}
	start := off + int64(vn)
	if l == 0 || start+int64(l) > limit || int64(l) < 0 {
		return V1Header{}, 0, formatErrorf("CARv1 header length %d runs past %d", l, limit)
	}
	buf := make([]byte, l)
	if _, err := r.ReadAt(buf, start); err != nil {
		return V1Header{}, 0, fmt.Errorf("reading CARv1 header: %w", err)
	}
	h, err := UnmarshalV1Header(buf)
	if err != nil {
		return V1Header{}, 0, err
	}
	if h.Version != 1 {
		return V1Header{}, 0, formatErrorf("unsupported CARv1 version %d", h.Version)
	}
	return h, int64(vn) + int64(l), nil
}

func appendV1Header(buf []byte, h V1Header) ([]byte, error) {
	b, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	return append(buf, b...), nil
}

// AppendSection appends a length prefixed (CID, data) section to buf.
func AppendSection(buf []byte, c cid.Cid, data []byte) []byte {
	cb := c.Bytes()
	buf = append(buf, varint.ToUvarint(uint64(len(cb)+len(data)))...)
	buf = append(buf, cb...)
	return append(buf, data...)
}

// SectionHead is the decoded prefix of a section.
type SectionHead struct {
	Cid cid.Cid
	// Size is the full section length including the varint prefix.
	Size int64
	// DataOffset is the offset of the block data relative to the section.
	DataOffset int64
}

// ReadSectionHead decodes the section prefix at off without reading its data.
func ReadSectionHead(r io.ReaderAt, off, limit int64) (SectionHead, error) {
	l, vn, err := readUvarintAt(r, off, limit)
	if err != nil {
		return SectionHead{}, err
	}
	size := int64(vn) + int64(l)
	if l == 0 || int64(l) < 0 || off+size > limit {
		return SectionHead{}, formatErrorf("section at %d of length %d runs past %d", off, l, limit)
	}
	n := int64(l)
	if n > maxSectionHead {
		n = maxSectionHead
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, off+int64(vn)); err != nil && err != io.EOF {
		return SectionHead{}, fmt.Errorf("reading section at %d: %w", off, err)
	}
	cn, c, err := cid.CidFromBytes(buf)
	if err != nil {
		return SectionHead{}, formatErrorf("decoding CID of section at %d: %s", off, err)
	}
	return SectionHead{Cid: c, Size: size, DataOffset: int64(vn + cn)}, nil
}

// ReadSection reads the whole section at off.
func ReadSection(r io.ReaderAt, off, limit int64) (cid.Cid, []byte, int64, error) {
	head, err := ReadSectionHead(r, off, limit)
	if err != nil {
		return cid.Undef, nil, 0, err
	}
	data := make([]byte, head.Size-head.DataOffset)
	if _, err := r.ReadAt(data, off+head.DataOffset); err != nil && err != io.EOF {
		return cid.Undef, nil, 0, fmt.Errorf("reading section data at %d: %w", off, err)
	}
	return head.Cid, data, head.Size, nil
}

func readUvarintAt(r io.ReaderAt, off, limit int64) (uint64, int, error) {
	if off >= limit {
		return 0, 0, formatErrorf("expected varint at %d past end %d", off, limit)
	}
	n := int64(varint.MaxLenUvarint63)
	if off+n > limit {
		n = limit - off
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, off)
	if read == 0 && err != nil {
		return 0, 0, fmt.Errorf("reading varint at %d: %w", off, err)
	}
	v, vn, err := varint.FromUvarint(buf[:read])
	if err != nil {
		return 0, 0, formatErrorf("decoding varint at %d: %s", off, err)
	}
	return v, vn, nil
}
