// Package coding implements the erasure-coding pipeline (spec.md §4.2):
// payload sizing, XOR-graph check-block generation, and fixpoint repair
// on request. Blocks and hash vectors live only for the duration of one
// insert or request (§3 Lifecycles), so Encode/Decode are synchronous pure
// functions with no background goroutines of their own — unlike the
// teacher's commp.Calc, which streams bytes through a persistent layer
// pipeline, this system's check-block construction is a flat bipartite
// XOR graph known in full up front, so there is nothing to stream.
package coding

import (
	"github.com/anarcast/anarcast/catalogue"
	"github.com/anarcast/anarcast/digest"
	"golang.org/x/xerrors"
)

// Key is the externally observable identity of a stored payload
// (spec.md §3): its length, the plaintext digest, and every block's
// digest, data blocks first then check blocks.
type Key struct {
	DataLength  uint32
	Plain       digest.Digest
	DataHashes  []digest.Digest
	CheckHashes []digest.Digest
}

// BlockCount is dbc+cbc: the number of blocks scatter/gather must move.
func (k Key) BlockCount() int { return len(k.DataHashes) + len(k.CheckHashes) }

// Hashes returns every block hash in wire order: data blocks then check
// blocks, the order scatter/gather index blocks by.
func (k Key) Hashes() []digest.Digest {
	all := make([]digest.Digest, 0, k.BlockCount())
	all = append(all, k.DataHashes...)
	all = append(all, k.CheckHashes...)
	return all
}

// isqrt is Newton's-method integer square root, replacing the source's
// floating-point sqrt() per spec.md §9 ("fix this to an integer
// formulation... to ensure determinism across platforms").
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// Sizing is the result of applying spec.md §4.2's sizing algorithm to a
// payload length.
type Sizing struct {
	Graph     *catalogue.Graph
	BlockSize uint64
	DLen      uint64
	CLen      uint64
	Total     uint64
}

// Size computes blocksize/dbc/cbc/dlen/clen/total for a payload of length
// l, per spec.md §4.2 "Sizing". l must be > 0.
func Size(l uint64, cat *catalogue.Catalogue) (Sizing, error) {
	if l == 0 {
		return Sizing{}, xerrors.New("datalength must be greater than zero")
	}

	// blocksize0 = floor(64*sqrt(l)) == isqrt(4096*l), computed without
	// floating point and without overflow for the sizes this catalogue
	// supports (l is bounded by dbc<=512 graphs well under 2^56).
	blocksize0 := isqrt(4096 * l)
	if blocksize0 == 0 {
		blocksize0 = 1
	}

	dbc := int((l + blocksize0 - 1) / blocksize0)
	if dbc < 1 {
		dbc = 1
	}
	if dbc > catalogue.MaxDataBlocks {
		return Sizing{}, xerrors.Errorf("graph-unavailable: payload of %d bytes needs %d data blocks, max is %d", l, dbc, catalogue.MaxDataBlocks)
	}

	g, err := cat.Lookup(dbc)
	if err != nil {
		return Sizing{}, err
	}

	for uint64(g.DBC)*blocksize0 < l {
		blocksize0++
	}

	dlen := uint64(g.DBC) * blocksize0
	clen := uint64(g.CBC) * blocksize0
	return Sizing{
		Graph:     g,
		BlockSize: blocksize0,
		DLen:      dlen,
		CLen:      clen,
		Total:     dlen + clen,
	}, nil
}

// xorInto XORs src into dst, both len(dst) bytes, at machine-word
// granularity with a tail byte loop — the wider-word re-expression of
// anarcast.h's xor() (int-granularity XOR plus a tail-byte remainder).
func xorInto(dst, src []byte) {
	n := len(dst)
	w := n / 8
	for i := 0; i < w; i++ {
		off := i * 8
		d := uint64(dst[off]) | uint64(dst[off+1])<<8 | uint64(dst[off+2])<<16 | uint64(dst[off+3])<<24 |
			uint64(dst[off+4])<<32 | uint64(dst[off+5])<<40 | uint64(dst[off+6])<<48 | uint64(dst[off+7])<<56
		s := uint64(src[off]) | uint64(src[off+1])<<8 | uint64(src[off+2])<<16 | uint64(src[off+3])<<24 |
			uint64(src[off+4])<<32 | uint64(src[off+5])<<40 | uint64(src[off+6])<<48 | uint64(src[off+7])<<56
		r := d ^ s
		dst[off] = byte(r)
		dst[off+1] = byte(r >> 8)
		dst[off+2] = byte(r >> 16)
		dst[off+3] = byte(r >> 24)
		dst[off+4] = byte(r >> 32)
		dst[off+5] = byte(r >> 40)
		dst[off+6] = byte(r >> 48)
		dst[off+7] = byte(r >> 56)
	}
	for i := w * 8; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// Encode splits payload into dbc data blocks and derives cbc check blocks
// per the loaded graph, returning the key and every block in wire order
// (data blocks, then check blocks), ready for the scatter engine.
func Encode(payload []byte, cat *catalogue.Catalogue) (Key, [][]byte, error) {
	l := uint64(len(payload))
	sizing, err := Size(l, cat)
	if err != nil {
		return Key{}, nil, err
	}
	g := sizing.Graph
	bs := int(sizing.BlockSize)

	buf := make([]byte, sizing.Total)
	copy(buf, payload) // bytes [l, dlen) stay zero: trailing pad

	dataBlocks := make([][]byte, g.DBC)
	for d := 0; d < int(g.DBC); d++ {
		dataBlocks[d] = buf[d*bs : (d+1)*bs]
	}
	checkBlocks := make([][]byte, g.CBC)
	for c := 0; c < int(g.CBC); c++ {
		off := int(sizing.DLen) + c*bs
		checkBlocks[c] = buf[off : off+bs]
	}

	for c := 0; c < int(g.CBC); c++ {
		for d := 0; d < int(g.DBC); d++ {
			if g.Edge(d, c) {
				xorInto(checkBlocks[c], dataBlocks[d])
			}
		}
	}

	key := Key{
		DataLength:  uint32(l),
		Plain:       digest.Sum(payload),
		DataHashes:  make([]digest.Digest, g.DBC),
		CheckHashes: make([]digest.Digest, g.CBC),
	}
	for d := range dataBlocks {
		key.DataHashes[d] = digest.Sum(dataBlocks[d])
	}
	for c := range checkBlocks {
		key.CheckHashes[c] = digest.Sum(checkBlocks[c])
	}

	all := make([][]byte, 0, int(g.DBC)+int(g.CBC))
	all = append(all, dataBlocks...)
	all = append(all, checkBlocks...)
	return key, all, nil
}

// Decode reassembles the original payload from whatever blocks gather
// managed to fetch and hash-verify. blocks and have must both have
// key.BlockCount() entries, data blocks first then check blocks, matching
// Key.Hashes()'s order. Missing data blocks are repaired to fixpoint per
// spec.md §4.2 before giving up with *unrecoverable*.
func Decode(key Key, g *catalogue.Graph, blockSize uint64, blocks [][]byte, have []bool) ([]byte, error) {
	dbc := int(g.DBC)
	cbc := int(g.CBC)
	if len(blocks) != dbc+cbc || len(have) != dbc+cbc {
		return nil, xerrors.Errorf("decode: expected %d blocks, got %d", dbc+cbc, len(blocks))
	}

	dataHave := have[:dbc]
	allDataPresent := true
	for _, ok := range dataHave {
		if !ok {
			allDataPresent = false
			break
		}
	}

	if !allDataPresent {
		repairToFixpoint(g, blockSize, blocks, have)
		for d := 0; d < dbc; d++ {
			if !have[d] {
				return nil, xerrors.New("unrecoverable: missing data block could not be repaired from any check block")
			}
		}
	}

	payload := make([]byte, 0, uint64(dbc)*blockSize)
	for d := 0; d < dbc; d++ {
		payload = append(payload, blocks[d]...)
	}
	if uint64(len(payload)) < uint64(key.DataLength) {
		return nil, xerrors.New("unrecoverable: reassembled data shorter than declared datalength")
	}
	payload = payload[:key.DataLength]

	if digest.Sum(payload) != key.Plain {
		return nil, xerrors.New("integrity: reassembled payload hash does not match key")
	}
	return payload, nil
}

// repairToFixpoint applies spec.md §4.2's repair rule: a missing data
// block d can be recovered from check block c iff edge(d,c), c is
// present, and every other data block edge(d',c) is present. Iterates
// until no further block becomes recoverable.
func repairToFixpoint(g *catalogue.Graph, blockSize uint64, blocks [][]byte, have []bool) {
	dbc := int(g.DBC)
	cbc := int(g.CBC)

	for {
		progressed := false
		for d := 0; d < dbc; d++ {
			if have[d] {
				continue
			}
			for c := 0; c < cbc; c++ {
				if !g.Edge(d, c) || !have[dbc+c] {
					continue
				}
				if recoverDataBlock(g, blockSize, blocks, have, d, c) {
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return
		}
	}
}

// recoverDataBlock attempts to recover data block d from check block c,
// requiring every other neighbour of c to already be present. On success
// it fills blocks[d] and sets have[d].
func recoverDataBlock(g *catalogue.Graph, blockSize uint64, blocks [][]byte, have []bool, d, c int) bool {
	dbc := int(g.DBC)
	for other := 0; other < dbc; other++ {
		if other == d {
			continue
		}
		if g.Edge(other, c) && !have[other] {
			return false
		}
	}

	recovered := make([]byte, blockSize)
	copy(recovered, blocks[dbc+c])
	for other := 0; other < dbc; other++ {
		if other == d || !g.Edge(other, c) {
			continue
		}
		xorInto(recovered, blocks[other])
	}
	blocks[d] = recovered
	have[d] = true
	return true
}
