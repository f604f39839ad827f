// Package catalogue loads the fixed set of precomputed bipartite XOR
// graphs (spec.md §3, §4.1) that drive check-block construction. The
// blob is memory-mapped for the process lifetime, the way the teacher's
// cmd/stream-commp/optimize_linux.go reaches for golang.org/x/sys/unix to
// tune OS-level I/O rather than accepting the stdlib default.
package catalogue

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Count is GRAPHCOUNT from the original source: the catalogue always
// holds exactly this many graphs, indexed by data-block-count minus one.
const Count = 512

// MaxDataBlocks is the largest data-block count any graph in the
// catalogue can describe.
const MaxDataBlocks = Count

// Graph is one immutable bipartite dbc×cbc XOR graph.
type Graph struct {
	DBC  uint16
	CBC  uint16
	bits []byte // row-major, MSB-first, ceil(DBC*CBC/8) bytes
}

// Edge reports whether check block c XORs in data block d: edge(d,c)=1.
func (g *Graph) Edge(d, c int) bool {
	n := d*int(g.CBC) + c
	return g.bits[n/8]&(0x80>>uint(n%8)) != 0
}

// Catalogue is the full, loaded set of graphs. It is immutable after
// Load and safe for concurrent read-only use by every worker.
type Catalogue struct {
	graphs [Count]*Graph
	file   *os.File
	mapped []byte
}

// Load memory-maps path and parses its 512 fixed-layout records
// (dbc:u16, cbc:u16, bits:ceil(dbc*cbc/8) bytes), in order: index 0 is the
// 1-data-block graph, index 1 is 2 data blocks, and so on.
func Load(path string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening graph file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat graph file: %w", err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, xerrors.Errorf("graph file %s is empty", path)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("mmap graph file: %w", err)
	}

	c := &Catalogue{file: f, mapped: mapped}
	off := 0
	for i := 0; i < Count; i++ {
		if off+4 > len(mapped) {
			c.Close()
			return nil, xerrors.Errorf("graph file truncated at record %d", i)
		}
		dbc := binary.BigEndian.Uint16(mapped[off : off+2])
		cbc := binary.BigEndian.Uint16(mapped[off+2 : off+4])
		off += 4

		nbits := int(dbc) * int(cbc)
		nbytes := (nbits + 7) / 8
		if off+nbytes > len(mapped) {
			c.Close()
			return nil, xerrors.Errorf("graph file truncated at record %d bit matrix", i)
		}

		c.graphs[i] = &Graph{DBC: dbc, CBC: cbc, bits: mapped[off : off+nbytes]}
		off += nbytes
	}

	return c, nil
}

// Lookup returns the graph for dbc data blocks. dbc must be in [1, Count];
// callers should treat dbc > Count as *graph-unavailable* per §4.1.
func (c *Catalogue) Lookup(dbc int) (*Graph, error) {
	if dbc < 1 || dbc > Count {
		return nil, xerrors.Errorf("graph-unavailable: no graph for %d data blocks (max %d)", dbc, Count)
	}
	return c.graphs[dbc-1], nil
}

// Close unmaps the catalogue's backing file. Once a process loads a
// catalogue it normally lives for the process lifetime (§3 Lifecycles);
// Close exists for tests and clean shutdown paths.
func (c *Catalogue) Close() error {
	var err error
	if c.mapped != nil {
		if uerr := unix.Munmap(c.mapped); uerr != nil {
			err = xerrors.Errorf("munmap: %w", uerr)
		}
		c.mapped = nil
	}
	if c.file != nil {
		if cerr := c.file.Close(); cerr != nil && err == nil {
			err = xerrors.Errorf("close graph file: %w", cerr)
		}
		c.file = nil
	}
	return err
}
