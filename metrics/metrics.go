// Package metrics exposes the counters an operator needs to see this
// system work: inserts and requests served, blocks that failed
// integrity, blocks repaired from check blocks, and servers evicted
// from the membership tree. The dependency itself
// (github.com/prometheus/client_golang) comes from the retrieval pack's
// go.mod (diegofornalha-polygon-edge, ethereum-go-ethereum both carry
// it); no pack file exercises it directly, so the registration and
// HTTP-handle pattern below follows the library's own standard idiom
// rather than a pack-specific one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inserts counts completed insert sessions (encode succeeded,
	// regardless of whether scatter fully succeeded).
	Inserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_inserts_total",
		Help: "Total client insert sessions handled by the proxy.",
	})

	// Requests counts completed request (fetch) sessions.
	Requests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_requests_total",
		Help: "Total client request sessions handled by the proxy.",
	})

	// ProtocolErrors counts sessions aborted for a protocol-level reason
	// (unreadable insert datalength, bad keylen or hash vector,
	// graph-unavailable). A storage server's length mismatch during
	// gather only abandons that block and is not counted here.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_protocol_errors_total",
		Help: "Client sessions aborted for a protocol-level error.",
	})

	// Evictions counts storage servers removed from the membership tree
	// after a transient I/O failure, from both scatter and gather.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_server_evictions_total",
		Help: "Storage servers evicted from the membership tree after a failed transfer.",
	})

	// CorruptBlocks counts individual blocks that failed hash
	// verification on gather (never returned to a caller).
	CorruptBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_corrupt_blocks_total",
		Help: "Blocks that failed hash verification during gather.",
	})

	// RepairSuccess counts requests where at least one missing data
	// block was reconstructed from a check block before decode returned.
	RepairSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anarcast_repairs_total",
		Help: "Requests where a missing data block was repaired from a check block.",
	})
)

// Handler returns the HTTP handler the proxy mounts at /metrics
// alongside its client-facing TCP listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
