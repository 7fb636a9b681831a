// Package config loads the engine's YAML configuration file, mirroring the
// enumerated option groups in spec §9: extractor, registry, orchestrator,
// and event-bus.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v2"
)

// ExplicitContract is an operator-supplied address → decoder-names mapping
// entry, the highest-precedence identification mode (spec §4.3).
type ExplicitContract struct {
	Address  string   `yaml:"address"`
	Decoders []string `yaml:"decoders"`
}

// ExtractorConfig configures internal/extractor (spec §4.4, §9).
type ExtractorConfig struct {
	RPCURL             string `yaml:"rpc_url"`
	FromBlock          uint64 `yaml:"from_block"`
	ToBlock            *uint64 `yaml:"to_block"`
	BatchSize          uint64 `yaml:"batch_size"`
	LiveThresholdBlocks uint64 `yaml:"live_threshold_blocks"`
	Retry              RetryConfig `yaml:"retry"`
}

// RetryConfig is the shared retry-policy shape used by the extractor and
// registry (spec §9); the sink decorator reads the orchestrator's
// sink_retry_* fields instead.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
}

// RegistryConfig configures internal/registry (spec §4.3, §9).
type RegistryConfig struct {
	Modes                      []string           `yaml:"modes"` // subset of {explicit, src5, abi_heuristics}
	MaxParallelIdentifications int64              `yaml:"max_parallel_identifications"`
	IdentificationTimeoutMS    int                `yaml:"identification_timeout_ms"`
	CacheSize                  int                `yaml:"cache_size"`
	Retry                      RetryConfig        `yaml:"retry"`
	ExplicitContracts          []ExplicitContract `yaml:"explicit_contracts"`
}

// OrchestratorConfig configures internal/orchestrator (spec §4.8, §9).
type OrchestratorConfig struct {
	IdlePollMS        int `yaml:"idle_poll_ms"`
	YieldMS           int `yaml:"yield_ms"`
	SinkRetryBudget   int `yaml:"sink_retry_budget"`
	SinkRetryBaseMS   int `yaml:"sink_retry_base_ms"`
	SinkRetryMaxMS    int `yaml:"sink_retry_max_ms"`
}

// EventBusConfig configures internal/eventbus (spec §9: "event-bus
// {per_subscriber_capacity}").
type EventBusConfig struct {
	PerSubscriberCapacity int `yaml:"per_subscriber_capacity"`
}

// SinkConfig selects and configures the durable sink(s) the engine runs
// with. Type mirrors the teacher's storage.type discriminator
// ("csv"/"mysql"); this engine currently ships "csv" and "memory".
type SinkConfig struct {
	Type string `yaml:"type"`
	CSV  struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"csv"`
}

// Config is the top-level engine configuration loaded from YAML.
type Config struct {
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Registry     RegistryConfig     `yaml:"registry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Sink         SinkConfig         `yaml:"sink"`
}

// Load reads and unmarshals the configuration file located at path,
// applying defaults and validating required fields the way the teacher's
// config.Load does.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Extractor.RPCURL == "" {
		return nil, fmt.Errorf("extractor.rpc_url is required")
	}

	switch cfg.Sink.Type {
	case "csv":
		if cfg.Sink.CSV.OutputDir == "" {
			return nil, fmt.Errorf("sink.csv.output_dir is required when sink.type is csv")
		}
	case "memory", "":
		cfg.Sink.Type = "memory"
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Sink.Type)
	}

	for _, c := range cfg.Registry.ExplicitContracts {
		if c.Address == "" {
			return nil, fmt.Errorf("registry.explicit_contracts entry missing address")
		}
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Extractor.BatchSize == 0 {
		cfg.Extractor.BatchSize = 10
	}
	if cfg.Extractor.LiveThresholdBlocks == 0 {
		cfg.Extractor.LiveThresholdBlocks = 100
	}
	applyRetryDefaults(&cfg.Extractor.Retry, 1500, 30_000)

	if len(cfg.Registry.Modes) == 0 {
		cfg.Registry.Modes = []string{"explicit", "src5", "abi_heuristics"}
	}
	if cfg.Registry.MaxParallelIdentifications == 0 {
		cfg.Registry.MaxParallelIdentifications = 8
	}
	if cfg.Registry.IdentificationTimeoutMS == 0 {
		cfg.Registry.IdentificationTimeoutMS = 10_000
	}
	if cfg.Registry.CacheSize == 0 {
		cfg.Registry.CacheSize = 4096
	}
	applyRetryDefaults(&cfg.Registry.Retry, 500, 10_000)

	if cfg.Orchestrator.IdlePollMS == 0 {
		cfg.Orchestrator.IdlePollMS = 2_000
	}
	if cfg.Orchestrator.SinkRetryBudget == 0 {
		cfg.Orchestrator.SinkRetryBudget = 3
	}
	if cfg.Orchestrator.SinkRetryBaseMS == 0 {
		cfg.Orchestrator.SinkRetryBaseMS = 500
	}
	if cfg.Orchestrator.SinkRetryMaxMS == 0 {
		cfg.Orchestrator.SinkRetryMaxMS = 10_000
	}

	if cfg.EventBus.PerSubscriberCapacity == 0 {
		cfg.EventBus.PerSubscriberCapacity = 256
	}
}

func applyRetryDefaults(r *RetryConfig, baseMS, maxMS int) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BaseBackoffMS == 0 {
		r.BaseBackoffMS = baseMS
	}
	if r.MaxBackoffMS == 0 {
		r.MaxBackoffMS = maxMS
	}
}
