// Package anarcasttest provides a minimal in-process fake storage server
// speaking the proxy↔storage wire protocol (spec.md §6), for scatter and
// gather integration tests. It persists blocks in an embedded
// github.com/syndtr/goleveldb store rather than a bare map, so the test
// fixture itself exercises a real KV engine the way a production storage
// server would — the storage server proper is out of scope per spec.md
// §1, but its test double shouldn't pretend durability doesn't exist.
package anarcasttest

import (
	"context"
	"io"
	"net"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"golang.org/x/xerrors"

	"github.com/anarcast/anarcast/digest"
	"github.com/anarcast/anarcast/internal/wire"
	"github.com/anarcast/anarcast/membership"
)

// FakeServer is one storage-server stand-in: it listens on an ephemeral
// loopback port and keys stored blocks by their own content digest,
// exactly as spec.md §6 implies a real storage server must (the store
// command carries no hash; fetch is addressed by hash alone).
type FakeServer struct {
	ln net.Listener
	db *leveldb.DB
}

// NewFakeServer starts a fake storage server backed by an in-memory
// leveldb instance.
func NewFakeServer() (*FakeServer, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, xerrors.Errorf("opening leveldb: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("listening: %w", err)
	}

	s := &FakeServer{ln: ln, db: db}
	go s.serve()
	return s, nil
}

// Addr returns the dialable host:port of this fake server.
func (s *FakeServer) Addr() string { return s.ln.Addr().String() }

// Close stops accepting connections and closes the backing store.
func (s *FakeServer) Close() error {
	s.ln.Close()
	return s.db.Close()
}

// Corrupt overwrites the stored bytes for hash, if present, simulating
// on-disk corruption for gather's integrity-rejection tests.
func (s *FakeServer) Corrupt(h digest.Digest, replacement []byte) {
	s.db.Put(h.Bytes(), replacement, nil)
}

// Delete drops the stored block for hash, simulating a server that
// simply never received it (spec.md §4.4's not-found path).
func (s *FakeServer) Delete(h digest.Digest) {
	s.db.Delete(h.Bytes(), nil)
}

// Has reports whether this fake server is currently holding hash, for
// test assertions.
func (s *FakeServer) Has(h digest.Digest) bool {
	ok, _ := s.db.Has(h.Bytes(), nil)
	return ok
}

func (s *FakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *FakeServer) handle(conn net.Conn) {
	defer conn.Close()

	var cmd [1]byte
	if _, err := io.ReadFull(conn, cmd[:]); err != nil {
		return
	}

	switch cmd[0] {
	case 'i':
		s.handleInsert(conn)
	case 'r':
		s.handleRequest(conn)
	}
}

func (s *FakeServer) handleInsert(conn net.Conn) {
	blocksize, err := wire.ReadUint32(conn)
	if err != nil {
		return
	}
	body := make([]byte, blocksize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}
	h := digest.Sum(body)
	s.db.Put(h.Bytes(), body, nil)
}

func (s *FakeServer) handleRequest(conn net.Conn) {
	var hashBuf [digest.Len]byte
	if _, err := io.ReadFull(conn, hashBuf[:]); err != nil {
		return
	}

	body, err := s.db.Get(hashBuf[:], nil)
	if err != nil {
		// Not found: graceful close with nothing written, per spec.md §6.
		return
	}

	if err := wire.WriteUint32(conn, uint32(len(body))); err != nil {
		return
	}
	conn.Write(body)
}

// Network maps membership.Address values used in a test to the real
// loopback host:port of the FakeServer that should answer for them, and
// supplies a scatter.Dialer/gather.Dialer that dereferences it. This is
// the indirection that lets the same 4-byte Address type stand in for a
// real IPv4 address in tests without actually binding to it.
type Network struct {
	byAddr map[membership.Address]string
}

// NewNetwork returns an empty address->endpoint registry.
func NewNetwork() *Network {
	return &Network{byAddr: make(map[membership.Address]string)}
}

// Register associates addr with the real endpoint of srv.
func (n *Network) Register(addr membership.Address, srv *FakeServer) {
	n.byAddr[addr] = srv.Addr()
}

// Dial implements the scatter/gather Dialer signature.
func (n *Network) Dial(ctx context.Context, addr membership.Address) (net.Conn, error) {
	endpoint, ok := n.byAddr[addr]
	if !ok {
		return nil, xerrors.Errorf("anarcasttest: no fake server registered for address %v", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}
