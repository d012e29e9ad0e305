package car

import (
	"bytes"
	"fmt"
	"io"

	carv2 "github.com/ipld/go-car/v2"
)

// Pragma is the fixed CARv2 preamble: a CARv1 header of {version: 2}.
var Pragma = carv2.Pragma

const (
	PragmaSize = carv2.PragmaSize
	HeaderSize = carv2.HeaderSize
	// DataStart is where the CARv1 payload starts in containers written here.
	DataStart = PragmaSize + HeaderSize
)

// Header locates the CARv1 payload and the index inside a container. An
// IndexOffset of zero means the container carries no index.
type Header = carv2.Header

// newHeader describes a container whose payload of dataSize bytes follows the
// header directly and is followed by an index covering every section.
func newHeader(dataSize uint64) Header {
	h := carv2.NewHeader(dataSize)
	h.Characteristics.SetFullyIndexed(true)
	return h
}

// validateHeader checks the byte ranges of h against the container size.
func validateHeader(h Header, size int64) error {
	if h.DataOffset < DataStart {
		return formatErrorf("data offset %d overlaps header", h.DataOffset)
	}
	end := h.DataOffset + h.DataSize
	if end < h.DataOffset || end > uint64(size) {
		return formatErrorf("data range [%d, %d) outside container of %d bytes", h.DataOffset, end, size)
	}
	if h.IndexOffset != 0 {
		if h.IndexOffset < end {
			return formatErrorf("index offset %d overlaps data ending at %d", h.IndexOffset, end)
		}
		if h.IndexOffset >= uint64(size) {
			return formatErrorf("index offset %d outside container of %d bytes", h.IndexOffset, size)
		}
	}
	return nil
}

// ReadHeader reads and checks the pragma and the CARv2 header.
func ReadHeader(r io.ReaderAt) (Header, error) {
	var h Header
	buf := make([]byte, DataStart)
	n, err := r.ReadAt(buf, 0)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			return h, formatErrorf("container truncated at %d bytes", n)
		}
		return h, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(buf[:PragmaSize-1], Pragma[:PragmaSize-1]) {
		return h, formatErrorf("bad pragma %x", buf[:PragmaSize])
	}
	if v := buf[PragmaSize-1]; v != Pragma[PragmaSize-1] {
		return h, formatErrorf("unsupported version %d", v)
	}
	if _, err := h.ReadFrom(bytes.NewReader(buf[PragmaSize:])); err != nil {
		return h, formatErrorf("decoding header: %s", err)
	}
	return h, nil
}
