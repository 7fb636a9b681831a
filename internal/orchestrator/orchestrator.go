// Package orchestrator implements the single asynchronous driver loop tying
// together the extractor, multi-decoder, sinks and engine DB (spec §4.8).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"starknet-etl/internal/decoder"
	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/metrics"
	"starknet-etl/internal/sink"
)

// Config configures the orchestrator's idle/yield behaviour (spec §9).
type Config struct {
	// IdleInterval is how long to sleep after an empty batch (at chain
	// head) before retrying (spec §4.8: "if batch.empty: sleep(idle_interval); continue").
	IdleInterval time.Duration
	// YieldInterval is how long to pause between successful batches,
	// letting subscriptions drain (spec §4.8: "between successful batches
	// the loop yields").
	YieldInterval time.Duration
}

// DefaultConfig idles 2s at chain head (the same as config's idle_poll_ms
// default) and does not yield between batches.
func DefaultConfig() Config {
	return Config{IdleInterval: 2 * time.Second, YieldInterval: 0}
}

// Orchestrator drives the extract → decode → sink → commit loop.
type Orchestrator struct {
	cfg       Config
	extractor *extractor.Extractor
	decoder   *decoder.MultiDecoder
	sinks     []sink.Sink
	state     *enginedb.State
	metrics   *metrics.Metrics

	lastDecodeFailures int64
}

// New builds an Orchestrator. sinks are invoked sequentially, per batch, in
// the order given (spec §4.7: "fan-out order: sinks are invoked sequentially
// per batch in registration order").
func New(cfg Config, ex *extractor.Extractor, md *decoder.MultiDecoder, sinks []sink.Sink, state *enginedb.State, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.Noop()
	}
	return &Orchestrator{cfg: cfg, extractor: ex, decoder: md, sinks: sinks, state: state, metrics: m}
}

// Initialize calls Initialize on every registered sink exactly once before
// the loop starts, and registers each sink's topic catalogue on the bus for
// discovery (spec §4.7 lifecycle step 2, step "topics() for discovery").
func (o *Orchestrator) Initialize(ctx context.Context, sctx sink.Context) error {
	for _, s := range o.sinks {
		if err := s.Initialize(ctx, sctx); err != nil {
			return fmt.Errorf("orchestrator: initialize sink %q: %w", s.Name(), err)
		}
		if sctx.Bus != nil {
			sctx.Bus.RegisterTopics(s.Topics())
		}
	}
	return nil
}

// Run executes the main loop until ctx is cancelled or the extractor
// reaches a bounded ToBlock (spec §4.8). A cancelled context stops the loop
// after the current batch either commits or is abandoned before its DB
// write, never mid-commit (spec §4.8/§5: "the loop completes the current
// batch (or aborts before DB commit), then exits cleanly").
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		batch, err := o.extractor.Extract(ctx)
		if err != nil {
			// The extractor has already exhausted its own retry budget
			// (spec §4.4); surface the fatal error to the caller, who
			// decides whether to pause/resume or abort (spec §4.8).
			return fmt.Errorf("orchestrator: extract: %w", err)
		}

		if batch.Empty() {
			if o.extractor.IsFinished() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.cfg.IdleInterval):
			}
			continue
		}

		o.metrics.EventsFetched.Add(float64(len(batch.Events)))

		envelopes, decoderOps, err := o.decoder.Route(ctx, batch.Events)
		if err != nil {
			return fmt.Errorf("orchestrator: decode batch: %w", err)
		}
		o.metrics.EnvelopesEmitted.Add(float64(len(envelopes)))
		total := o.decoder.DecodeFailures()
		o.metrics.DecodeFailures.Add(float64(total - o.lastDecodeFailures))
		o.lastDecodeFailures = total

		for _, s := range o.sinks {
			filtered := sink.FilterInterested(s, envelopes)
			if err := s.Process(ctx, filtered, batch); err != nil {
				o.metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
				return fmt.Errorf("orchestrator: sink %q failed to commit batch: %w", s.Name(), err)
			}
		}

		eventCount, err := o.state.EventCount()
		if err != nil {
			return fmt.Errorf("orchestrator: read event count: %w", err)
		}
		newCount := eventCount + uint64(len(batch.Events))

		if err := enginedb.CommitBatch(o.state.Store, batch.HighestBlock(), newCount, batch.Cursor, decoderOps); err != nil {
			return fmt.Errorf("orchestrator: commit batch: %w", err)
		}

		o.metrics.BatchesCommitted.Inc()
		o.metrics.HeadBlock.Set(float64(batch.HighestBlock()))

		logrus.WithFields(logrus.Fields{
			"head":      batch.HighestBlock(),
			"events":    len(batch.Events),
			"envelopes": len(envelopes),
			"live":      batch.Live,
		}).Debug("orchestrator: batch committed")

		if o.extractor.IsFinished() {
			return nil
		}

		if o.cfg.YieldInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.cfg.YieldInterval):
			}
		}
	}
}
