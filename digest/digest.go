// Package digest implements the system's one external primitive: a fixed
// 20-byte content digest. spec.md treats H(bytes) -> digest as a pure
// function supplied by a collaborator outside the core; this package
// concretizes it as the first 20 bytes of a pooled sha256-simd digest.
package digest

import (
	"bytes"
	"hash"
	"sync"

	sha256simd "github.com/minio/sha256-simd"
)

// Len is the fixed digest size used throughout the key, block hashes, and
// membership tree: HASH_LEN in the original source.
const Len = 20

// Digest is an opaque 20-byte content identifier with total ordering by
// unsigned lexicographic compare.
type Digest [Len]byte

var hashPool = sync.Pool{New: func() interface{} { return sha256simd.New() }}

// Sum returns H(b).
func Sum(b []byte) Digest {
	h := hashPool.Get().(hash.Hash)
	h.Reset()
	h.Write(b)
	var d Digest
	copy(d[:], h.Sum(nil))
	hashPool.Put(h)
	return d
}

// FromBytes validates and wraps an externally-supplied digest (e.g. one
// read off the wire as part of a key).
func FromBytes(b []byte) (Digest, bool) {
	var d Digest
	if len(b) != Len {
		return d, false
	}
	copy(d[:], b)
	return d, true
}

// Less reports whether d precedes other under unsigned lexicographic
// ordering, the order the membership tree and block-hash vector use.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

func (d Digest) Equal(other Digest) bool {
	return d == other
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, Len*2)
	for _, b := range d {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}
