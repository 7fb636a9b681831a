package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/metrics"
)

// RetryConfig configures the backoff policy wrapping a sink's Process call
// (spec §4.7: "the orchestrator retries the *same* batch up to a configured
// budget before escalating").
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig matches the registry's defaults (3 attempts, 500ms
// base, 10s cap).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

func (c RetryConfig) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoff
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// RetrySink decorates another Sink, retrying Process with exponential
// backoff on failure. If every attempt fails, the last error is propagated
// so the orchestrator can escalate (spec §4.7/§7: "sink transient failure
// ... retried; batch not committed").
type RetrySink struct {
	inner Sink
	cfg   RetryConfig
	m     *metrics.Metrics
}

// NewRetrySink builds a retrying decorator around inner. The returned value
// still satisfies Sink, so it can be registered with the orchestrator
// transparently in place of the undecorated sink. m records a
// starknet_etl_sink_retries_total{sink} increment per failed Process
// attempt, including the final one (spec §7); a nil m uses metrics.Noop().
func NewRetrySink(inner Sink, cfg RetryConfig, m *metrics.Metrics) Sink {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &RetrySink{inner: inner, cfg: cfg, m: m}
}

func (r *RetrySink) Name() string                             { return r.inner.Name() }
func (r *RetrySink) InterestedTypes() []envelope.TypeId        { return r.inner.InterestedTypes() }
func (r *RetrySink) Topics() []eventbus.TopicInfo              { return r.inner.Topics() }
func (r *RetrySink) Initialize(ctx context.Context, sctx Context) error {
	return r.inner.Initialize(ctx, sctx)
}

func (r *RetrySink) Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.inner.Process(ctx, envelopes, batch)
		if err != nil {
			r.m.SinkRetries.WithLabelValues(r.inner.Name()).Inc()
			logrus.WithField("sink", r.inner.Name()).Warnf("sink process failed (attempt %d/%d): %v", attempt, r.cfg.MaxAttempts, err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(r.cfg.newBackoff(), ctx))
}
