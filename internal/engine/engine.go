// Package engine wires a Config into a runnable Orchestrator: provider,
// registry, decoders, sinks and event bus, the same assembly the teacher's
// cmd/indexer.go and internal/api job runner each used to perform inline
// (spec §4.8, §9).
package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"starknet-etl/internal/config"
	"starknet-etl/internal/decoder"
	"starknet-etl/internal/decoder/sample"
	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/felt"
	"starknet-etl/internal/metrics"
	"starknet-etl/internal/orchestrator"
	"starknet-etl/internal/provider/fake"
	"starknet-etl/internal/registry"
	"starknet-etl/internal/sink"
	"starknet-etl/internal/sink/memsink"
)

// decoders lists every decoder the engine knows how to route events to.
// Grows as new contract families gain decoder packages; the corpus ships
// one reference implementation, the ERC-20 Transfer decoder.
func decoders() []decoder.Decoder {
	return []decoder.Decoder{sample.Erc20Decoder{}}
}

// Engine bundles the assembled orchestrator together with the components a
// caller (cmd/indexer, the job API) needs a handle on: the bus for
// subscriptions, the in-memory sink for inspection when no durable sink is
// configured, and the durable store for direct state queries.
type Engine struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *eventbus.Bus
	MemSink      *memsink.Sink // non-nil only when cfg.Sink.Type == "memory"
	State        *enginedb.State
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry // backs Metrics; mount via promhttp for /metrics
}

// Build assembles an Engine from cfg. Every identification mode and sink
// kind in the config schema is wired here; no real Starknet JSON-RPC
// provider exists in the retrieved reference corpus, so Build always wires
// a fake.Provider — the Provider interface (spec §6) is the seam a future
// real client implementation plugs into without touching the rest of the
// pipeline.
func Build(cfg *config.Config) (*Engine, error) {
	p := fake.New()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	store := enginedb.NewMemStore()
	state := enginedb.NewState(store)

	explicit := make(map[string]registry.Classification, len(cfg.Registry.ExplicitContracts))
	for _, c := range cfg.Registry.ExplicitContracts {
		ids := make(registry.Classification, 0, len(c.Decoders))
		for _, name := range c.Decoders {
			ids = append(ids, registry.NewDecoderId(name))
		}
		addr, ok := new(big.Int).SetString(c.Address, 0)
		if !ok {
			return nil, fmt.Errorf("engine: invalid explicit contract address %q", c.Address)
		}
		explicit[felt.FromBigInt(addr).PaddedHex()] = ids
	}

	regCfg := registry.Config{
		Modes:                 modesFromNames(cfg.Registry.Modes),
		MaxParallelIdentifications: cfg.Registry.MaxParallelIdentifications,
		IdentificationTimeout: time.Duration(cfg.Registry.IdentificationTimeoutMS) * time.Millisecond,
		Retry: registry.RetryConfig{
			MaxAttempts: cfg.Registry.Retry.MaxAttempts,
			BaseBackoff: time.Duration(cfg.Registry.Retry.BaseBackoffMS) * time.Millisecond,
			MaxBackoff:  time.Duration(cfg.Registry.Retry.MaxBackoffMS) * time.Millisecond,
		},
		CacheSize: cfg.Registry.CacheSize,
	}

	reg, err := registry.New(regCfg, p, state, explicit, []registry.IdentificationRule{registry.Erc20Rule{}})
	if err != nil {
		return nil, fmt.Errorf("engine: build registry: %w", err)
	}

	md, err := decoder.New(reg, decoders())
	if err != nil {
		return nil, fmt.Errorf("engine: build decoder: %w", err)
	}

	bus := eventbus.New(cfg.EventBus.PerSubscriberCapacity, m)

	var sinks []sink.Sink
	var ms *memsink.Sink
	switch cfg.Sink.Type {
	case "csv":
		cs, err := sink.NewCSVSink(cfg.Sink.CSV.OutputDir, md.Emits())
		if err != nil {
			return nil, fmt.Errorf("engine: build csv sink: %w", err)
		}
		sinks = append(sinks, sink.NewRetrySink(cs, retryFromOrchestratorConfig(cfg.Orchestrator), m))
	default:
		ms = memsink.New("mem", md.Emits(),
			[]eventbus.TopicInfo{{Topic: "erc20.transfer", Description: "ERC-20 transfer events"}},
			func(e envelope.Envelope) (string, string, eventbus.UpdateType) {
				return "erc20.transfer", e.ID(), eventbus.Created
			})
		sinks = append(sinks, sink.NewRetrySink(ms, retryFromOrchestratorConfig(cfg.Orchestrator), m))
	}

	retryCfg := extractor.RetryConfig{
		MaxAttempts: cfg.Extractor.Retry.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Extractor.Retry.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Extractor.Retry.MaxBackoffMS) * time.Millisecond,
	}
	ex := extractor.New(p, cfg.Extractor.FromBlock, cfg.Extractor.ToBlock, cfg.Extractor.BatchSize, retryCfg)
	if cfg.Extractor.LiveThresholdBlocks > 0 {
		ex.LiveThreshold = cfg.Extractor.LiveThresholdBlocks
	}
	if cursor, err := state.Cursor(); err == nil {
		if err := ex.SeedCursor(cursor); err != nil {
			logrus.WithError(err).Warn("engine: ignoring unparsable persisted cursor")
		}
	}

	orchCfg := orchestrator.Config{
		IdleInterval:  time.Duration(cfg.Orchestrator.IdlePollMS) * time.Millisecond,
		YieldInterval: time.Duration(cfg.Orchestrator.YieldMS) * time.Millisecond,
	}
	orch := orchestrator.New(orchCfg, ex, md, sinks, state, m)

	return &Engine{Orchestrator: orch, Bus: bus, MemSink: ms, State: state, Metrics: m, Registry: promReg}, nil
}

func retryFromOrchestratorConfig(cfg config.OrchestratorConfig) sink.RetryConfig {
	return sink.RetryConfig{
		MaxAttempts: cfg.SinkRetryBudget,
		BaseBackoff: time.Duration(cfg.SinkRetryBaseMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.SinkRetryMaxMS) * time.Millisecond,
	}
}

func modesFromNames(names []string) map[registry.Mode]bool {
	modes := make(map[registry.Mode]bool, len(names))
	for _, n := range names {
		switch n {
		case "explicit":
			modes[registry.ModeExplicit] = true
		case "src5":
			modes[registry.ModeSRC5] = true
		case "abi_heuristics":
			modes[registry.ModeAbiHeuristics] = true
		default:
			logrus.Warnf("engine: unknown registry mode %q ignored", n)
		}
	}
	return modes
}

// AvailableDecoders returns every TypeId the engine's decoder set can
// emit, without building an Engine.
func AvailableDecoders() []envelope.TypeId {
	var all []envelope.TypeId
	for _, d := range decoders() {
		all = append(all, d.Emits()...)
	}
	return all
}
