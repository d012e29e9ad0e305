package store

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/storacha/go-ucanto/did"
)

// DriveInfo is the registry record of a drive.
type DriveInfo struct {
	ID   did.DID
	Name string
	// Metadata is the CID of the last metadata pushed to the remote, or
	// cid.Undef if the drive was never pushed.
	Metadata cid.Cid
}

func marshalDriveInfo(info DriveInfo) ([]byte, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	size := int64(2)
	if info.Metadata.Defined() {
		size++
	}
	ma, err := nb.BeginMap(size)
	if err != nil {
		return nil, err
	}
	if err := ma.AssembleKey().AssignString("id"); err != nil {
		return nil, err
	}
	if err := ma.AssembleValue().AssignBytes(info.ID.Bytes()); err != nil {
		return nil, err
	}
	if info.Metadata.Defined() {
		if err := ma.AssembleKey().AssignString("metadata"); err != nil {
			return nil, err
		}
		if err := ma.AssembleValue().AssignLink(cidlink.Link{Cid: info.Metadata}); err != nil {
			return nil, err
		}
	}
	if err := ma.AssembleKey().AssignString("name"); err != nil {
		return nil, err
	}
	if err := ma.AssembleValue().AssignString(info.Name); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer([]byte{})
	if err := dagcbor.Encode(nb.Build(), buf); err != nil {
		return nil, fmt.Errorf("CBOR encoding: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalDriveInfo(b []byte) (DriveInfo, error) {
	var info DriveInfo

	nb := basicnode.Prototype.Map.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(b)); err != nil {
		return info, fmt.Errorf("decoding drive: %w", err)
	}
	n := nb.Build()

	idn, err := n.LookupByString("id")
	if err != nil {
		return info, fmt.Errorf("looking up id: %w", err)
	}
	idb, err := idn.AsBytes()
	if err != nil {
		return info, fmt.Errorf("decoding id: %w", err)
	}
	info.ID, err = did.Decode(idb)
	if err != nil {
		return info, fmt.Errorf("decoding id: %w", err)
	}

	nn, err := n.LookupByString("name")
	if err != nil {
		return info, fmt.Errorf("looking up name: %w", err)
	}
	info.Name, err = nn.AsString()
	if err != nil {
		return info, fmt.Errorf("decoding name: %w", err)
	}

	info.Metadata = cid.Undef
	if mn, err := n.LookupByString("metadata"); err == nil {
		l, err := mn.AsLink()
		if err != nil {
			return info, fmt.Errorf("decoding metadata: %w", err)
		}
		cl, ok := l.(cidlink.Link)
		if !ok {
			return info, fmt.Errorf("unsupported link type: %T", l)
		}
		info.Metadata = cl.Cid
	}
	return info, nil
}
