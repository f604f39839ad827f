package catalogue

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestCatalogue builds a minimal but complete Count-record graph
// file: record i has dbc=i+1, cbc=1, and a bit matrix of all-ones (every
// data block feeds the single check block). That's enough to exercise
// Load/Lookup/Edge without needing the real production graph blob.
func writeTestCatalogue(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "graphs.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < Count; i++ {
		dbc := uint16(i + 1)
		cbc := uint16(1)
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], dbc)
		binary.BigEndian.PutUint16(hdr[2:4], cbc)
		_, err := f.Write(hdr[:])
		require.NoError(t, err)

		nbits := int(dbc) * int(cbc)
		nbytes := (nbits + 7) / 8
		bits := make([]byte, nbytes)
		for j := range bits {
			bits[j] = 0xFF
		}
		_, err = f.Write(bits)
		require.NoError(t, err)
	}
	return path
}

func TestLoadLookupEdge(t *testing.T) {
	path := writeTestCatalogue(t, t.TempDir())
	cat, err := Load(path)
	require.NoError(t, err)
	defer cat.Close()

	g, err := cat.Lookup(4)
	require.NoError(t, err)
	require.EqualValues(t, 4, g.DBC)
	require.EqualValues(t, 1, g.CBC)
	for d := 0; d < 4; d++ {
		require.True(t, g.Edge(d, 0))
	}
}

func TestLookupOutOfRange(t *testing.T) {
	path := writeTestCatalogue(t, t.TempDir())
	cat, err := Load(path)
	require.NoError(t, err)
	defer cat.Close()

	_, err = cat.Lookup(0)
	require.Error(t, err)
	_, err = cat.Lookup(Count + 1)
	require.Error(t, err)
}

func TestEdgeBitPacking(t *testing.T) {
	// dbc=2, cbc=3: bits packed MSB-first, n = d*cbc+c.
	// Set only bit n=1 (d=0,c=1): byte0 = 0b01000000.
	dir := t.TempDir()
	path := filepath.Join(dir, "graphs.bin")
	f, err := os.Create(path)
	require.NoError(t, err)

	for i := 0; i < Count; i++ {
		if i == 1 { // index 1 -> dbc=2
			var hdr [4]byte
			binary.BigEndian.PutUint16(hdr[0:2], 2)
			binary.BigEndian.PutUint16(hdr[2:4], 3)
			f.Write(hdr[:])
			f.Write([]byte{0b01000000})
			continue
		}
		dbc := uint16(i + 1)
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], dbc)
		binary.BigEndian.PutUint16(hdr[2:4], 1)
		f.Write(hdr[:])
		f.Write(make([]byte, (int(dbc)+7)/8))
	}
	f.Close()

	cat, err := Load(path)
	require.NoError(t, err)
	defer cat.Close()

	g, err := cat.Lookup(2)
	require.NoError(t, err)
	require.True(t, g.Edge(0, 1))
	require.False(t, g.Edge(0, 0))
	require.False(t, g.Edge(1, 1))
}
