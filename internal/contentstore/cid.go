package contentstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"course-anchor/internal/domain"
)

// rawPrefix is CIDv1, raw codec, sha2-256: the address kubo assigns to a
// single-block file added with raw leaves.
var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ComputeHash returns the content address of b. It never touches the network.
func ComputeHash(b []byte) (domain.ContentHash, error) {
	c, err := rawPrefix.Sum(b)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	return domain.ContentHash(c.String()), nil
}

// sameCID compares two CID strings independent of their multibase encoding.
func sameCID(a, b string) bool {
	ca, err := cid.Decode(a)
	if err != nil {
		return false
	}
	cb, err := cid.Decode(b)
	if err != nil {
		return false
	}
	return ca.Equals(cb)
}
