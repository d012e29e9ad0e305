package tracker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Marshal encodes s as dag-json:
//
//	{"deleted": [link, ...], "tracked": [[link, size], ...]}
//
// Entries are sorted so equal states encode to equal bytes.
func Marshal(s State) ([]byte, error) {
	deleted := make([]cid.Cid, 0, len(s.Deleted))
	for c := range s.Deleted {
		deleted = append(deleted, c)
	}
	sortCids(deleted)
	tracked := make([]cid.Cid, 0, len(s.Tracked))
	for c := range s.Tracked {
		tracked = append(tracked, c)
	}
	sortCids(tracked)

	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, err := nb.BeginMap(2)
	if err != nil {
		return nil, err
	}

	la, err := ma.AssembleEntry("deleted")
	if err != nil {
		return nil, err
	}
	dl, err := la.BeginList(int64(len(deleted)))
	if err != nil {
		return nil, err
	}
	for _, c := range deleted {
		if err := dl.AssembleValue().AssignLink(cidlink.Link{Cid: c}); err != nil {
			return nil, err
		}
	}
	if err := dl.Finish(); err != nil {
		return nil, err
	}

	la, err = ma.AssembleEntry("tracked")
	if err != nil {
		return nil, err
	}
	tl, err := la.BeginList(int64(len(tracked)))
	if err != nil {
		return nil, err
	}
	for _, c := range tracked {
		pair, err := tl.AssembleValue().BeginList(2)
		if err != nil {
			return nil, err
		}
		if err := pair.AssembleValue().AssignLink(cidlink.Link{Cid: c}); err != nil {
			return nil, err
		}
		if err := pair.AssembleValue().AssignInt(int64(s.Tracked[c])); err != nil {
			return nil, err
		}
		if err := pair.Finish(); err != nil {
			return nil, err
		}
	}
	if err := tl.Finish(); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer([]byte{})
	if err := dagjson.Encode(nb.Build(), buf); err != nil {
		return nil, fmt.Errorf("JSON encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a state written by Marshal.
func Unmarshal(b []byte) (State, error) {
	s := newState()

	nb := basicnode.Prototype.Map.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(b)); err != nil {
		return s, fmt.Errorf("decoding tracker state: %w", err)
	}
	n := nb.Build()

	dn, err := n.LookupByString("deleted")
	if err != nil {
		return s, fmt.Errorf("looking up deleted: %w", err)
	}
	err = eachListItem(dn, func(item datamodel.Node) error {
		c, err := asCid(item)
		if err != nil {
			return err
		}
		s.Deleted[c] = struct{}{}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("decoding deleted: %w", err)
	}

	tn, err := n.LookupByString("tracked")
	if err != nil {
		return s, fmt.Errorf("looking up tracked: %w", err)
	}
	err = eachListItem(tn, func(item datamodel.Node) error {
		if item.Length() != 2 {
			return fmt.Errorf("tracked entry has %d elements", item.Length())
		}
		ln, err := item.LookupByIndex(0)
		if err != nil {
			return err
		}
		c, err := asCid(ln)
		if err != nil {
			return err
		}
		sn, err := item.LookupByIndex(1)
		if err != nil {
			return err
		}
		size, err := sn.AsInt()
		if err != nil {
			return fmt.Errorf("decoding size: %w", err)
		}
		if size < 0 {
			return fmt.Errorf("negative size %d for %s", size, c)
		}
		s.Tracked[c] = uint64(size)
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("decoding tracked: %w", err)
	}
	return s, nil
}

func eachListItem(n datamodel.Node, fn func(datamodel.Node) error) error {
	values := n.ListIterator()
	if values == nil {
		return errors.New("not a list")
	}
	for !values.Done() {
		_, item, err := values.Next()
		if err != nil {
			return fmt.Errorf("iterating list: %w", err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func asCid(n datamodel.Node) (cid.Cid, error) {
	l, err := n.AsLink()
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding link: %w", err)
	}
	cl, ok := l.(cidlink.Link)
	if !ok {
		return cid.Undef, fmt.Errorf("unsupported link type: %T", l)
	}
	return cl.Cid, nil
}
