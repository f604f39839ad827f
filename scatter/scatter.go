// Package scatter implements the concurrent insert engine (spec.md
// §4.3): bounded-concurrency, multiplexed send of N blocks to N routed
// servers with restart-on-failure. The source multiplexes up to
// CONCURRENCY sockets on a single readiness-polling thread; spec.md §9
// explicitly sanctions re-expressing that as "a task-per-connection model
// with an 8-way semaphore... provided the single-writer tree discipline
// from §5 is kept", which is what this package does.
package scatter

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/anarcast/anarcast/digest"
	"github.com/anarcast/anarcast/internal/netutil"
	"github.com/anarcast/anarcast/internal/wire"
	"github.com/anarcast/anarcast/membership"
	"github.com/anarcast/anarcast/metrics"
)

// Concurrency is CONCURRENCY from the original source: the maximum
// number of in-flight block transfers at any instant.
const Concurrency = 8

// Dialer opens a connection to a storage server. Production code uses
// netutil.Dial; tests substitute a dialer that routes into an in-process
// fake storage server.
type Dialer func(ctx context.Context, addr membership.Address) (net.Conn, error)

// Scatter pushes every block[i] where !skip[i] to route(hashes[i]),
// retrying against the tree's next successor on any write failure,
// unbounded, per spec.md §4.3. It returns only once every non-skipped
// block has been fully transmitted (spec.md §8 "Scatter completion").
func Scatter(ctx context.Context, tree *membership.Tree, hashes []digest.Digest, blocks [][]byte, skip []bool, dial Dialer, log hclog.Logger) error {
	if len(hashes) != len(blocks) {
		return xerrors.Errorf("scatter: %d hashes but %d blocks", len(hashes), len(blocks))
	}
	if skip == nil {
		skip = make([]bool, len(blocks))
	}
	if dial == nil {
		dial = netutil.Dial
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}

	sem := semaphore.NewWeighted(Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for i := range blocks {
		if skip[i] {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = multierror.Append(errs, xerrors.Errorf("block %d: %w", i, err))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			sessionLog := log.With("session", uuid.NewString(), "block", i)
			if err := sendBlockWithRestart(ctx, tree, hashes[i], blocks[i], dial, sessionLog); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, xerrors.Errorf("block %d: %w", i, err))
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	return errs
}

// sendBlockWithRestart retries the block's transfer against successive
// successor servers, unbounded, until it succeeds or the tree empties out
// (at which point Route itself panics, per spec.md §4.5 — there is no
// server left to restart against, which is a deployment invariant
// violation, not a transient condition this engine can recover from).
func sendBlockWithRestart(ctx context.Context, tree *membership.Tree, h digest.Digest, block []byte, dial Dialer, log hclog.Logger) error {
	for {
		addr := tree.Route(h)
		err := sendBlock(ctx, addr, block, dial)
		if err == nil {
			return nil
		}

		log.Debug("scatter: block send failed, evicting and re-routing", "addr", addr, "err", err)
		if tree.TryRemoveByAddress(addr) {
			metrics.Evictions.Inc()
		}

		select {
		case <-ctx.Done():
			return xerrors.Errorf("scatter: aborted: %w", ctx.Err())
		default:
		}
	}
}

// sendBlock performs one connection attempt per spec.md §4.3's protocol:
// 'i' ‖ blocksize:u32 ‖ blocksize bytes, then close.
func sendBlock(ctx context.Context, addr membership.Address, block []byte, dial Dialer) error {
	conn, err := dial(ctx, addr)
	if err != nil {
		return xerrors.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{'i'}); err != nil {
		return xerrors.Errorf("write command: %w", err)
	}
	if err := wire.WriteUint32(conn, uint32(len(block))); err != nil {
		return xerrors.Errorf("write blocksize: %w", err)
	}
	if _, err := conn.Write(block); err != nil {
		return xerrors.Errorf("write block body: %w", err)
	}
	return nil
}
