// Package proxyserver implements the client-facing side of the proxy
// (spec.md §5 "Top-level threading", §6 "Client ↔ proxy"): one listening
// socket, one freshly spawned, fully detached worker per accepted
// connection. Grounded on proxy.c's main()/run_thread() accept loop,
// re-expressed as a goroutine per net.Conn.
package proxyserver

import (
	"context"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/xerrors"

	"github.com/anarcast/anarcast/catalogue"
	"github.com/anarcast/anarcast/coding"
	"github.com/anarcast/anarcast/digest"
	"github.com/anarcast/anarcast/gather"
	"github.com/anarcast/anarcast/internal/wire"
	"github.com/anarcast/anarcast/membership"
	"github.com/anarcast/anarcast/metrics"
	"github.com/anarcast/anarcast/scatter"
)

// Port is PROXY_SERVER_PORT from the original source.
const Port = 9208

// Dialer is the scatter/gather connection opener, parameterized here so
// tests can substitute an in-process fake storage network. Production
// callers pass nil and get each engine's own netutil.Dial default.
type Dialer func(ctx context.Context, addr membership.Address) (net.Conn, error)

// Server holds the process-lifetime state every worker shares: the
// memory-mapped graph catalogue and the membership tree (spec.md §3
// "Lifecycles"), plus the logger and dialer every session is built from.
type Server struct {
	Catalogue *catalogue.Catalogue
	Tree      *membership.Tree
	Dial      Dialer
	Log       hclog.Logger
}

// ListenAndServe accepts connections on addr until ctx is cancelled or
// the listener errors, spawning one detached worker per connection
// (spec.md §5: "Workers are fully detached and do not synchronize with
// the main thread").
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	log := s.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// Listen failure is a Resource-class error (spec.md §7): fatal.
		panic(xerrors.Errorf("proxyserver: listen on %s: %w", addr, err))
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Errorf("proxyserver: accept: %w", err)
			}
		}
		for _, tune := range connTuners {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if terr := tune(tcpConn); terr != nil {
					log.Debug("proxyserver: socket tuning failed", "err", terr)
				}
			}
		}

		go s.handleConn(ctx, conn, log.With("session", uuid.NewString()))
	}
}

// connTuners are Linux-only socket buffer tuning hooks, registered by
// socktune_linux.go's init(); empty (a no-op) on every other platform,
// same opportunistic, best-effort shape as the teacher's ioOptimizations.
var connTuners []func(*net.TCPConn) error

// handleConn runs exactly one insert or request session to completion,
// releasing every resource it opened on every exit path (spec.md §5).
func (s *Server) handleConn(ctx context.Context, conn net.Conn, log hclog.Logger) {
	defer conn.Close()

	var cmd [1]byte
	if _, err := io.ReadFull(conn, cmd[:]); err != nil {
		log.Debug("proxyserver: session ended before a command byte arrived", "err", err)
		return
	}

	switch cmd[0] {
	case 'i':
		s.handleInsert(ctx, conn, log)
	case 'r':
		s.handleRequest(ctx, conn, log)
	default:
		log.Warn("proxyserver: unknown command byte, aborting session", "cmd", cmd[0])
	}
}

// handleInsert implements spec.md §6's insert contract: read datalength
// and the payload, encode, scatter, and reply with the key regardless of
// whether scatter fully succeeded (§7: "the client already owns it").
func (s *Server) handleInsert(ctx context.Context, conn net.Conn, log hclog.Logger) {
	datalength, err := wire.ReadUint32(conn)
	if err != nil {
		log.Warn("proxyserver: insert aborted reading datalength", "err", err)
		metrics.ProtocolErrors.Inc()
		return
	}

	payload := make([]byte, datalength)
	if _, err := io.ReadFull(conn, payload); err != nil {
		log.Warn("proxyserver: insert aborted reading payload", "err", err)
		return
	}

	key, blocks, err := coding.Encode(payload, s.Catalogue)
	if err != nil {
		log.Warn("proxyserver: insert aborted: encode failed", "err", err)
		metrics.ProtocolErrors.Inc()
		return
	}

	hashes := key.Hashes()
	if err := scatter.Scatter(ctx, s.Tree, hashes, blocks, nil, scatter.Dialer(s.Dial), log.Named("scatter")); err != nil {
		// The key is still emitted below; distribution may be incomplete
		// and the client retains retry responsibility (spec.md §7).
		log.Warn("proxyserver: scatter did not fully complete", "err", err)
	}

	metrics.Inserts.Inc()
	if err := writeKeyReply(conn, key); err != nil {
		log.Warn("proxyserver: insert aborted writing key reply", "err", err)
	}
}

// handleRequest implements spec.md §6's request contract: read the key
// back off the wire, gather and hash-verify every block, decode, and
// reply with the payload or close without delivering anything.
func (s *Server) handleRequest(ctx context.Context, conn net.Conn, log hclog.Logger) {
	key, err := readKeyRequest(conn, s.Catalogue)
	if err != nil {
		log.Warn("proxyserver: request aborted", "err", err)
		metrics.ProtocolErrors.Inc()
		return
	}

	sizing, err := coding.Size(uint64(key.DataLength), s.Catalogue)
	if err != nil {
		log.Warn("proxyserver: request aborted: graph-unavailable", "err", err)
		metrics.ProtocolErrors.Inc()
		return
	}

	res, err := gather.Gather(ctx, s.Tree, key.Hashes(), int(sizing.BlockSize), gather.Dialer(s.Dial), log.Named("gather"))
	if err != nil {
		log.Warn("proxyserver: request aborted: gather failed", "err", err)
		return
	}

	missingData := false
	for i := 0; i < len(key.DataHashes); i++ {
		if !res.Have[i] {
			missingData = true
			break
		}
	}

	payload, err := coding.Decode(key, sizing.Graph, sizing.BlockSize, res.Blocks, res.Have)
	if err != nil {
		log.Warn("proxyserver: request aborted: decode failed", "err", err)
		return
	}
	if missingData {
		metrics.RepairSuccess.Inc()
	}

	metrics.Requests.Inc()
	if err := writePayloadReply(conn, payload); err != nil {
		log.Warn("proxyserver: request aborted writing payload reply", "err", err)
	}
}

// writeKeyReply writes keylen:u32 ‖ datalength:u32 ‖ hash vector, where
// keylen is the full wire key size (the datalength field plus the hash
// vector) and the hash vector is H_plain ‖ H_d[0..dbc) ‖ H_c[0..cbc),
// per spec.md §3's key encoding and §6's insert reply. key.Hashes()
// covers only the data/check blocks scatter distributes, so H_plain is
// prepended here explicitly.
func writeKeyReply(w io.Writer, key coding.Key) error {
	blockHashes := key.Hashes()
	keylen := uint32(4 + (1+len(blockHashes))*20)
	if err := wire.WriteUint32(w, keylen); err != nil {
		return xerrors.Errorf("writing keylen: %w", err)
	}
	if err := wire.WriteUint32(w, key.DataLength); err != nil {
		return xerrors.Errorf("writing datalength: %w", err)
	}
	if _, err := w.Write(key.Plain.Bytes()); err != nil {
		return xerrors.Errorf("writing plain hash: %w", err)
	}
	for _, h := range blockHashes {
		if _, err := w.Write(h.Bytes()); err != nil {
			return xerrors.Errorf("writing hash vector: %w", err)
		}
	}
	return nil
}

// writePayloadReply writes datalength:u32 ‖ payload, per §6's request
// reply.
func writePayloadReply(w io.Writer, payload []byte) error {
	if err := wire.WriteUint32(w, uint32(len(payload))); err != nil {
		return xerrors.Errorf("writing datalength: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return xerrors.Errorf("writing payload: %w", err)
	}
	return nil
}

// readKeyRequest parses §6's request frame (after the leading 'r'):
// keylen:u32 ‖ datalength:u32 ‖ (keylen-4) bytes of hashes, validates
// keylen per §6 ("must be a multiple of 20 and strictly greater than
// 20" — applied to the hash-vector portion, keylen-4, since keylen as
// defined here already folds in the 4-byte datalength field alongside
// it), and splits the hash vector into plain/data/check hashes using the
// deterministic sizing the insert side used to build the key.
func readKeyRequest(r io.Reader, cat *catalogue.Catalogue) (coding.Key, error) {
	keylen, err := wire.ReadUint32(r)
	if err != nil {
		return coding.Key{}, xerrors.Errorf("reading keylen: %w", err)
	}
	if keylen <= 24 || (keylen-4)%20 != 0 {
		return coding.Key{}, xerrors.Errorf("protocol: keylen %d is not a valid multiple-of-20 key size", keylen)
	}

	datalength, err := wire.ReadUint32(r)
	if err != nil {
		return coding.Key{}, xerrors.Errorf("reading datalength: %w", err)
	}

	hashVector := make([]byte, keylen-4)
	if _, err := io.ReadFull(r, hashVector); err != nil {
		return coding.Key{}, xerrors.Errorf("reading hash vector: %w", err)
	}

	sizing, err := coding.Size(uint64(datalength), cat)
	if err != nil {
		return coding.Key{}, err
	}
	dbc := int(sizing.Graph.DBC)
	cbc := int(sizing.Graph.CBC)
	wantCount := 1 + dbc + cbc
	if len(hashVector) != wantCount*20 {
		return coding.Key{}, xerrors.Errorf("protocol: hash vector has %d hashes, datalength %d implies %d", len(hashVector)/20, datalength, wantCount)
	}

	readDigest := func(i int) digest.Digest {
		d, _ := digest.FromBytes(hashVector[i*20 : (i+1)*20])
		return d
	}

	key := coding.Key{
		DataLength:  datalength,
		Plain:       readDigest(0),
		DataHashes:  make([]digest.Digest, dbc),
		CheckHashes: make([]digest.Digest, cbc),
	}
	for d := 0; d < dbc; d++ {
		key.DataHashes[d] = readDigest(1 + d)
	}
	for c := 0; c < cbc; c++ {
		key.CheckHashes[c] = readDigest(1 + dbc + c)
	}
	return key, nil
}
