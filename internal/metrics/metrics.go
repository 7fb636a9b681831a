// Package metrics defines the prometheus counters the orchestrator and its
// components update as they run (spec §7's error taxonomy, surfaced as
// observable counters rather than logs alone).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter the pipeline updates. Construct one with New
// and thread it through the orchestrator, the event bus and the sink retry
// decorator; a nil *Metrics is not valid, use Noop() in tests that don't care.
type Metrics struct {
	EventsFetched    prometheus.Counter
	EnvelopesEmitted prometheus.Counter
	DecodeFailures   prometheus.Counter
	SinkRetries      *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	BusLagDrops      *prometheus.CounterVec
	BatchesCommitted prometheus.Counter
	HeadBlock        prometheus.Gauge
}

// New registers every counter against reg. Pass prometheus.NewRegistry() in
// tests to avoid colliding with the default global registry across test
// runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "starknet_etl_events_fetched_total",
			Help: "Total raw events returned by the extractor.",
		}),
		EnvelopesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "starknet_etl_envelopes_emitted_total",
			Help: "Total envelopes produced by the multi-decoder.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "starknet_etl_decode_failures_total",
			Help: "Total per-event decode errors swallowed by the multi-decoder.",
		}),
		SinkRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "starknet_etl_sink_retries_total",
			Help: "Total failed Process attempts seen by the sink retry decorator, by sink name.",
		}, []string{"sink"}),
		SinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "starknet_etl_sink_failures_total",
			Help: "Total batches a sink failed to commit even after exhausting retries, by sink name.",
		}, []string{"sink"}),
		BusLagDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "starknet_etl_bus_lag_drops_total",
			Help: "Total deliveries dropped due to subscriber overrun, by topic.",
		}, []string{"topic"}),
		BatchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "starknet_etl_batches_committed_total",
			Help: "Total extraction batches committed atomically to the engine database.",
		}),
		HeadBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "starknet_etl_head_block",
			Help: "Highest block number committed to the engine database.",
		}),
	}
}

// Noop returns a Metrics backed by a private, discarded registry, for
// components and tests that need a non-nil Metrics but don't care about its
// output.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
