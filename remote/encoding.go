package remote

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// marshalMetadataPush encodes a push request as dag-json. Absent links are
// encoded as null.
func marshalMetadataPush(req MetadataPush) ([]byte, error) {
	link := func(c cid.Cid) qp.Assemble {
		if !c.Defined() {
			return qp.Null()
		}
		return qp.Link(cidlink.Link{Cid: c})
	}
	n, err := qp.BuildMap(basicnode.Prototype.Any, 6, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "data", qp.Bytes(req.Data))
		qp.MapEntry(ma, "deleted", qp.List(int64(len(req.Deleted)), func(la datamodel.ListAssembler) {
			for _, c := range req.Deleted {
				qp.ListEntry(la, qp.Link(cidlink.Link{Cid: c}))
			}
		}))
		qp.MapEntry(ma, "metadata", link(req.Metadata))
		qp.MapEntry(ma, "previous", link(req.Previous))
		qp.MapEntry(ma, "root", link(req.Root))
		qp.MapEntry(ma, "validKeys", qp.List(int64(len(req.ValidKeys)), func(la datamodel.ListAssembler) {
			for _, k := range req.ValidKeys {
				qp.ListEntry(la, qp.String(k))
			}
		}))
	})
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer([]byte{})
	if err := dagjson.Encode(n, buf); err != nil {
		return nil, fmt.Errorf("JSON encoding: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalMetadataPush(b []byte) (MetadataPush, error) {
	var req MetadataPush
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(b)); err != nil {
		return req, fmt.Errorf("decoding metadata push: %w", err)
	}
	n := nb.Build()

	var err error
	if req.Root, err = lookupLink(n, "root"); err != nil {
		return req, err
	}
	if req.Metadata, err = lookupLink(n, "metadata"); err != nil {
		return req, err
	}
	if req.Previous, err = lookupLink(n, "previous"); err != nil {
		return req, err
	}
	dn, err := n.LookupByString("data")
	if err != nil {
		return req, fmt.Errorf("looking up data: %w", err)
	}
	if req.Data, err = dn.AsBytes(); err != nil {
		return req, fmt.Errorf("decoding data: %w", err)
	}
	deleted, err := n.LookupByString("deleted")
	if err != nil {
		return req, fmt.Errorf("looking up deleted: %w", err)
	}
	for it := deleted.ListIterator(); it != nil && !it.Done(); {
		_, v, err := it.Next()
		if err != nil {
			return req, err
		}
		c, err := asCid(v)
		if err != nil {
			return req, fmt.Errorf("decoding deleted: %w", err)
		}
		req.Deleted = append(req.Deleted, c)
	}
	keys, err := n.LookupByString("validKeys")
	if err != nil {
		return req, fmt.Errorf("looking up validKeys: %w", err)
	}
	for it := keys.ListIterator(); it != nil && !it.Done(); {
		_, v, err := it.Next()
		if err != nil {
			return req, err
		}
		k, err := v.AsString()
		if err != nil {
			return req, fmt.Errorf("decoding validKeys: %w", err)
		}
		req.ValidKeys = append(req.ValidKeys, k)
	}
	return req, nil
}

func lookupLink(n datamodel.Node, key string) (cid.Cid, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return cid.Undef, fmt.Errorf("looking up %s: %w", key, err)
	}
	if v.IsNull() {
		return cid.Undef, nil
	}
	c, err := asCid(v)
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding %s: %w", key, err)
	}
	return c, nil
}

func asCid(n datamodel.Node) (cid.Cid, error) {
	l, err := n.AsLink()
	if err != nil {
		return cid.Undef, err
	}
	cl, ok := l.(cidlink.Link)
	if !ok {
		return cid.Undef, fmt.Errorf("unsupported link type: %T", l)
	}
	return cl.Cid, nil
}

func marshalMetadataPushResult(res MetadataPushResult) ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, 3, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "authorization", qp.String(res.Authorization))
		qp.MapEntry(ma, "host", qp.String(res.Host))
		qp.MapEntry(ma, "id", qp.String(res.ID))
	})
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer([]byte{})
	if err := dagjson.Encode(n, buf); err != nil {
		return nil, fmt.Errorf("JSON encoding: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalMetadataPushResult(b []byte) (MetadataPushResult, error) {
	var res MetadataPushResult
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(b)); err != nil {
		return res, fmt.Errorf("decoding metadata push result: %w", err)
	}
	n := nb.Build()
	for key, dst := range map[string]*string{
		"id":            &res.ID,
		"host":          &res.Host,
		"authorization": &res.Authorization,
	} {
		v, err := n.LookupByString(key)
		if err != nil {
			return res, fmt.Errorf("looking up %s: %w", key, err)
		}
		s, err := v.AsString()
		if err != nil {
			return res, fmt.Errorf("decoding %s: %w", key, err)
		}
		*dst = s
	}
	return res, nil
}
