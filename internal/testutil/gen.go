package testutil

import (
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func RandomBytes(t testing.TB, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// RandomCID returns the raw CID of random bytes that are not stored anywhere.
func RandomCID(t testing.TB) cid.Cid {
	t.Helper()
	c, err := cid.Prefix{
		Version:  1,
		Codec:    uint64(multicodec.Raw),
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}.Sum(RandomBytes(t, 32))
	require.NoError(t, err)
	return c
}

func RandomLink(t testing.TB) ipld.Link {
	return cidlink.Link{Cid: RandomCID(t)}
}
