package coding

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/anarcast/anarcast/catalogue"
	"github.com/anarcast/anarcast/digest"
	"github.com/stretchr/testify/require"
)

// buildCatalogue writes a Count-record graph file where graph[i] has
// dbc=i+1 and cbc=(i+1)/4+1, with every data block feeding every
// check block (dense graph) — good enough for round-trip/XOR-law testing
// across a range of sizes. Index 3 (dbc=4) is overridden to the exact
// two-check graph from spec.md §8 scenario 3: check 0 covers {0,1},
// check 1 covers {2,3}.
func buildCatalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphs.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < catalogue.Count; i++ {
		dbc := uint16(i + 1)
		var cbc uint16 = uint16(int(dbc)/4 + 1)

		var bits []byte
		if i == 3 { // dbc=4
			cbc = 2
			// edges wanted: (0,0) (1,0) (2,1) (3,1), rest 0.
			// n = d*cbc+c: (0,0)=0 (0,1)=1 (1,0)=2 (1,1)=3 (2,0)=4 (2,1)=5 (3,0)=6 (3,1)=7
			// bits MSB-first over those 8 n values: 1,0,1,0,0,1,0,1 = 0b10100101
			bits = []byte{0b10100101}
		} else {
			nbits := int(dbc) * int(cbc)
			nbytes := (nbits + 7) / 8
			bits = make([]byte, nbytes)
			for j := range bits {
				bits[j] = 0xFF
			}
		}

		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], dbc)
		binary.BigEndian.PutUint16(hdr[2:4], cbc)
		_, err := f.Write(hdr[:])
		require.NoError(t, err)
		_, err = f.Write(bits)
		require.NoError(t, err)
	}

	cat, err := catalogue.Load(path)
	require.NoError(t, err)
	return cat
}

func TestRoundTripAllBlocksPresent(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	for _, payload := range [][]byte{
		[]byte("hello"),
		make([]byte, 1000),
		[]byte("a slightly longer payload used to exercise more than one data block across the graph"),
	} {
		key, blocks, err := Encode(payload, cat)
		require.NoError(t, err)

		g, err := cat.Lookup(len(key.DataHashes))
		require.NoError(t, err)

		sizing, err := Size(uint64(len(payload)), cat)
		require.NoError(t, err)

		have := make([]bool, key.BlockCount())
		for i := range have {
			have[i] = true
		}
		out, err := Decode(key, g, sizing.BlockSize, blocks, have)
		require.NoError(t, err)
		require.Equal(t, payload, out)
	}
}

func TestBlockSizeLaw(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	for _, l := range []uint64{1, 5, 100, 4096, 99999} {
		sizing, err := Size(l, cat)
		require.NoError(t, err)
		require.GreaterOrEqual(t, uint64(sizing.Graph.DBC)*sizing.BlockSize, l)
		if sizing.BlockSize > 1 {
			require.Less(t, uint64(sizing.Graph.DBC)*(sizing.BlockSize-1), l+sizing.BlockSize)
		}
	}
}

func TestGraphXORLaw(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	payload := []byte("check block must equal XOR of its neighbours exactly, always")
	key, blocks, err := Encode(payload, cat)
	require.NoError(t, err)

	g, err := cat.Lookup(len(key.DataHashes))
	require.NoError(t, err)

	sizing, err := Size(uint64(len(payload)), cat)
	require.NoError(t, err)
	bs := int(sizing.BlockSize)

	for c := 0; c < int(g.CBC); c++ {
		acc := make([]byte, bs)
		for d := 0; d < int(g.DBC); d++ {
			if g.Edge(d, c) {
				xorInto(acc, blocks[d])
			}
		}
		require.Equal(t, acc, blocks[int(g.DBC)+c])
	}
}

func TestMissingDataRepair(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	// Pick a payload that lands on the dbc=4 graph built above.
	var payload []byte
	for l := uint64(1); ; l++ {
		s, err := Size(l, cat)
		require.NoError(t, err)
		if s.Graph.DBC == 4 {
			payload = make([]byte, l)
			for i := range payload {
				payload[i] = byte(i)
			}
			break
		}
	}

	key, blocks, err := Encode(payload, cat)
	require.NoError(t, err)
	g, err := cat.Lookup(4)
	require.NoError(t, err)
	sizing, err := Size(uint64(len(payload)), cat)
	require.NoError(t, err)

	// Deliver data {1,2,3} and check {0}; data block 0 must be repaired
	// via check0 XOR data1 (check0 covers {0,1}).
	have := []bool{false, true, true, true, true, false}
	out, err := Decode(key, g, sizing.BlockSize, blocks, have)
	require.NoError(t, err)
	require.Equal(t, payload, out)
	require.True(t, have[0])
}

func TestUnrecoverableWhenRepairImpossible(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	var payload []byte
	for l := uint64(1); ; l++ {
		s, err := Size(l, cat)
		require.NoError(t, err)
		if s.Graph.DBC == 4 {
			payload = make([]byte, l)
			break
		}
	}

	key, blocks, err := Encode(payload, cat)
	require.NoError(t, err)
	g, err := cat.Lookup(4)
	require.NoError(t, err)
	sizing, err := Size(uint64(len(payload)), cat)
	require.NoError(t, err)

	// Only data block 1 present and neither check block: with no check
	// block there is nothing to repair data 0, 2 or 3 from.
	have := []bool{false, true, false, false, false, false}
	_, err = Decode(key, g, sizing.BlockSize, blocks, have)
	require.Error(t, err)
}

func TestCorruptBlockNeverReturnedAsGood(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	payload := []byte("some payload bytes for a corruption test")
	key, blocks, err := Encode(payload, cat)
	require.NoError(t, err)
	g, err := cat.Lookup(len(key.DataHashes))
	require.NoError(t, err)
	sizing, err := Size(uint64(len(payload)), cat)
	require.NoError(t, err)

	// Flip a bit in data block 0's bytes and confirm the gather-side
	// verification (digest mismatch) would have rejected it: have[0]
	// would never have been set true by a correct gather implementation.
	corrupted := append([]byte(nil), blocks[0]...)
	corrupted[0] ^= 0x01
	require.NotEqual(t, digest.Sum(corrupted), key.DataHashes[0])
}

func TestIdempotentDecode(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	payload := []byte("decode twice, get the same bytes twice")
	key, blocks, err := Encode(payload, cat)
	require.NoError(t, err)
	g, err := cat.Lookup(len(key.DataHashes))
	require.NoError(t, err)
	sizing, err := Size(uint64(len(payload)), cat)
	require.NoError(t, err)

	have := make([]bool, key.BlockCount())
	for i := range have {
		have[i] = true
	}
	out1, err := Decode(key, g, sizing.BlockSize, blocks, have)
	require.NoError(t, err)
	have2 := make([]bool, key.BlockCount())
	for i := range have2 {
		have2[i] = true
	}
	out2, err := Decode(key, g, sizing.BlockSize, blocks, have2)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestGraphUnavailableOverLimit(t *testing.T) {
	cat := buildCatalogue(t)
	defer cat.Close()

	// The largest size-512-graph can address is dbc=512 data blocks; any
	// payload whose initial sizing needs more data blocks than that must
	// fail with *graph-unavailable*. 512*512*4096 = 2^30 bytes sizes to
	// exactly 512 blocks of 2^21 bytes; one byte more needs 513.
	hugeL := uint64(catalogue.MaxDataBlocks)*uint64(catalogue.MaxDataBlocks)*4096 + 1
	_, err := Size(hugeL, cat)
	require.Error(t, err)
}
