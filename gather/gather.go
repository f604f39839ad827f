// Package gather implements the concurrent fetch engine (spec.md §4.4):
// bounded-concurrency, multiplexed pull of up to N blocks, each verified
// against its hash. Same concurrency re-expression as scatter (§9).
package gather

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/anarcast/anarcast/digest"
	"github.com/anarcast/anarcast/internal/netutil"
	"github.com/anarcast/anarcast/internal/wire"
	"github.com/anarcast/anarcast/membership"
	"github.com/anarcast/anarcast/metrics"
)

// Concurrency is CONCURRENCY from the original source, shared with
// scatter's bound.
const Concurrency = 8

// Dialer matches scatter.Dialer; kept as its own type so gather doesn't
// force an import of the scatter package just for a function type.
type Dialer func(ctx context.Context, addr membership.Address) (net.Conn, error)

// Result is what Gather fills in for each requested block.
type Result struct {
	Blocks [][]byte
	Have   []bool
}

// Gather attempts to fetch every block in hashes, each blockSize bytes,
// verifying each against its hash. have[i] is set true only for blocks
// that were both received in full and hash-verified (spec.md §4.4);
// overall success/failure is decided by the caller's coding pipeline, not
// by this package.
func Gather(ctx context.Context, tree *membership.Tree, hashes []digest.Digest, blockSize int, dial Dialer, log hclog.Logger) (Result, error) {
	if dial == nil {
		dial = netutil.Dial
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}

	res := Result{
		Blocks: make([][]byte, len(hashes)),
		Have:   make([]bool, len(hashes)),
	}

	sem := semaphore.NewWeighted(Concurrency)
	var wg sync.WaitGroup

	for i := range hashes {
		if err := sem.Acquire(ctx, 1); err != nil {
			return res, xerrors.Errorf("gather: %w", err)
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			sessionLog := log.With("session", uuid.NewString(), "block", i)
			block, ok := fetchBlockWithRestart(ctx, tree, hashes[i], blockSize, dial, sessionLog)
			res.Blocks[i] = block
			res.Have[i] = ok
		}(i)
	}

	wg.Wait()
	return res, nil
}

// fetchBlockWithRestart retries against successive successor servers on
// any transient I/O failure (connect, write, mid-body read), but does
// NOT retry when a server gracefully reports it doesn't have the block,
// and does NOT retry on a blocksize disagreement — both are protocol-
// level outcomes, not transient failures (spec.md §4.4).
func fetchBlockWithRestart(ctx context.Context, tree *membership.Tree, h digest.Digest, blockSize int, dial Dialer, log hclog.Logger) ([]byte, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		addr := tree.Route(h)
		block, outcome, err := fetchBlock(ctx, addr, h, blockSize, dial)

		switch outcome {
		case outcomeVerified:
			return block, true
		case outcomeNotFound:
			log.Debug("gather: server does not have block", "addr", addr)
			return nil, false
		case outcomeCorrupt:
			log.Warn("gather: block failed hash verification", "addr", addr)
			metrics.CorruptBlocks.Inc()
			return nil, false
		case outcomeSizeMismatch:
			log.Warn("gather: server blocksize disagreement, abandoning", "addr", addr, "err", err)
			return nil, false
		case outcomeTransientError:
			log.Debug("gather: transient I/O error, evicting and re-routing", "addr", addr, "err", err)
			if tree.TryRemoveByAddress(addr) {
				metrics.Evictions.Inc()
			}
			continue
		}
		return nil, false
	}
}

type outcome int

const (
	outcomeVerified outcome = iota
	outcomeNotFound
	outcomeCorrupt
	outcomeSizeMismatch
	outcomeTransientError
)

// fetchBlock performs one connection attempt per spec.md §4.4's protocol:
// 'r' ‖ hash:20 bytes, then dlen:u32, then dlen bytes, then verify.
func fetchBlock(ctx context.Context, addr membership.Address, h digest.Digest, blockSize int, dial Dialer) ([]byte, outcome, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, outcomeTransientError, xerrors.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{'r'}); err != nil {
		return nil, outcomeTransientError, xerrors.Errorf("write command: %w", err)
	}
	if _, err := conn.Write(h.Bytes()); err != nil {
		return nil, outcomeTransientError, xerrors.Errorf("write hash: %w", err)
	}

	var lenBuf [4]byte
	n, err := io.ReadFull(conn, lenBuf[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, outcomeNotFound, nil
		}
		return nil, outcomeTransientError, xerrors.Errorf("read length: %w", err)
	}

	dlen := wire.Uint32(lenBuf[:])
	if int(dlen) != blockSize {
		return nil, outcomeSizeMismatch, xerrors.Errorf("server reported dlen=%d, expected blocksize=%d", dlen, blockSize)
	}

	body := make([]byte, blockSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, outcomeTransientError, xerrors.Errorf("read body: %w", err)
	}

	if digest.Sum(body) != h {
		return nil, outcomeCorrupt, nil
	}
	return body, outcomeVerified, nil
}
