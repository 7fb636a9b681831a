// Package registry implements the contract-identification registry: for
// any contract address, it returns the ordered set of decoders that should
// process its events, using explicit mapping, SRC-5 interface queries and
// ABI heuristics, with a persistent cache (spec §4.3).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
)

// DecoderId identifies a registered decoder by name (spec §3). Comparison
// is by equality on the name.
type DecoderId struct{ name string }

// NewDecoderId builds a DecoderId from its name.
func NewDecoderId(name string) DecoderId { return DecoderId{name: name} }

// String returns the decoder's name.
func (d DecoderId) String() string { return d.name }

// Equal reports whether two DecoderIds name the same decoder.
func (d DecoderId) Equal(o DecoderId) bool { return d.name == o.name }

// Classification is the ordered set of decoders applicable to an address
// (spec §3). An empty classification means "no known decoder".
type Classification []DecoderId

// Names returns the classification's decoder names, preserving order, for
// persistence via enginedb.Classification.
func (c Classification) Names() []string {
	out := make([]string, len(c))
	for i, d := range c {
		out[i] = d.name
	}
	return out
}

func classificationFromNames(names []string) Classification {
	out := make(Classification, len(names))
	for i, n := range names {
		out[i] = NewDecoderId(n)
	}
	return out
}

// Mode enumerates the identification modes a registry may have enabled
// (spec §4.3).
type Mode int

const (
	ModeExplicit Mode = iota
	ModeSRC5
	ModeAbiHeuristics
)

// SRC5Rule is the SRC-5 interface-query contribution of an identification
// rule: the interface id to query via supports_interface, and the decoders
// that apply when the contract answers true.
type SRC5Rule struct {
	InterfaceID felt.Felt
	Decoders    []DecoderId
}

// SupportsInterfaceSelector is the selector for the SRC-5
// `supports_interface(interface_id) -> bool` entry point.
var SupportsInterfaceSelector = felt.Selector("supports_interface")

// IdentificationRule is a pluggable predicate mapping an address/class/ABI
// to applicable decoders (spec §4.3).
type IdentificationRule interface {
	// Name identifies the rule for logging.
	Name() string
	// SRC5 returns this rule's SRC-5 contribution, if any.
	SRC5() (SRC5Rule, bool)
	// IdentifyByABI inspects a contract's ABI surface and returns the
	// (possibly empty) list of decoders that apply.
	IdentifyByABI(address felt.Felt, classHash felt.Felt, abi provider.ContractClass) ([]DecoderId, error)
}

// Config configures a Registry (spec §9).
type Config struct {
	Modes                     map[Mode]bool
	MaxParallelIdentifications int64
	IdentificationTimeout     time.Duration
	Retry                     RetryConfig
	CacheSize                 int
}

// RetryConfig configures the backoff policy around class/ABI fetches
// during identification (spec §4.3: "transient RPC errors ... are retried
// with exponential backoff").
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig uses the extractor's attempt count (3) with a shorter
// backoff (500ms base, 10s cap).
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

// DefaultConfig enables every mode with reasonable fan-out bounds.
func DefaultConfig() Config {
	return Config{
		Modes:                      map[Mode]bool{ModeExplicit: true, ModeSRC5: true, ModeAbiHeuristics: true},
		MaxParallelIdentifications: 8,
		IdentificationTimeout:      10 * time.Second,
		Retry:                      DefaultRetryConfig(),
		CacheSize:                  4096,
	}
}

// Registry is the contract-identification registry (spec §4.3).
type Registry struct {
	cfg      Config
	provider provider.Provider
	state    *enginedb.State

	explicit map[string]Classification
	rules    []IdentificationRule

	cache *lru.Cache[string, enginedb.Classification]
	sem   *semaphore.Weighted
	group singleflight.Group
}

// New builds a Registry. explicitMapping keys are padded-hex addresses.
func New(cfg Config, p provider.Provider, state *enginedb.State, explicitMapping map[string]Classification, rules []IdentificationRule) (*Registry, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, enginedb.Classification](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: build lru: %w", err)
	}
	if cfg.MaxParallelIdentifications <= 0 {
		cfg.MaxParallelIdentifications = 1
	}
	return &Registry{
		cfg:      cfg,
		provider: p,
		state:    state,
		explicit: explicitMapping,
		rules:    rules,
		cache:    cache,
		sem:      semaphore.NewWeighted(cfg.MaxParallelIdentifications),
	}, nil
}

// PendingWrite is a durable mutation discovered while classifying an
// address, to be folded into the orchestrator's atomic batch commit
// (spec §4.2: "the orchestrator MUST update head and any new
// classifications in the same atomic write").
type PendingWrite struct {
	Ops []enginedb.Op
}

// Classify returns the ordered set of decoders applicable to address,
// following the lookup algorithm in spec §4.3. Concurrent calls for the
// same address coalesce into a single identification attempt via
// singleflight; calls for different addresses proceed in parallel up to
// cfg.MaxParallelIdentifications.
//
// When a new (non-cached) classification is produced, the caller receives
// the PendingWrite to commit atomically alongside the batch; Classify
// itself does not write through to the engine DB, since that write must be
// folded into the orchestrator's single atomic commit for the batch.
func (r *Registry) Classify(ctx context.Context, address felt.Felt) (Classification, *PendingWrite, error) {
	addrHex := address.PaddedHex()

	if r.cfg.Modes[ModeExplicit] {
		if c, ok := r.explicit[addrHex]; ok {
			return c, nil, nil
		}
	}

	if c, ok := r.cache.Get(addrHex); ok {
		return classificationFromNames(c.Decoders), nil, nil
	}
	if c, ok, err := r.state.Classification(addrHex); err != nil {
		return nil, nil, err
	} else if ok {
		r.cache.Add(addrHex, c)
		return classificationFromNames(c.Decoders), nil, nil
	}

	type result struct {
		classification Classification
		pending        *PendingWrite
	}

	v, err, _ := r.group.Do(addrHex, func() (interface{}, error) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)

		classification, pending, err := r.identify(ctx, address)
		if err != nil {
			// Transient failure: leave uncached per spec §4.3, proceed as
			// unclassified for this batch.
			logrus.WithField("address", addrHex).Warnf("registry: identification failed, will retry on next sighting: %v", err)
			return result{classification: nil, pending: nil}, nil
		}
		return result{classification: classification, pending: pending}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	res := v.(result)
	return res.classification, res.pending, nil
}

func (r *Registry) identify(ctx context.Context, address felt.Felt) (Classification, *PendingWrite, error) {
	if r.cfg.IdentificationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.IdentificationTimeout)
		defer cancel()
	}

	addrHex := address.PaddedHex()

	var classHash felt.Felt
	err := r.retryOp(ctx, func() error {
		var err error
		classHash, err = r.provider.GetClassHashAt(ctx, provider.Latest(), address)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	classHashHex := classHash.PaddedHex()

	fp, ok, err := r.state.ABIFingerprint(classHashHex)
	if err != nil {
		return nil, nil, err
	}

	var class provider.ContractClass
	var extraFPOp *enginedb.Op
	if !ok {
		err := r.retryOp(ctx, func() error {
			var err error
			class, err = r.provider.GetClassAt(ctx, provider.Latest(), address)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		fp = enginedb.ABIFingerprint{Functions: class.FunctionNames, Events: class.EventNames}
		op, err := enginedb.ABIFingerprintOp(classHashHex, fp)
		if err != nil {
			return nil, nil, err
		}
		extraFPOp = &op
	} else {
		class = provider.ContractClass{ClassHash: classHash, FunctionNames: fp.Functions, EventNames: fp.Events}
	}

	var union []DecoderId
	seen := map[string]bool{}
	addUnion := func(ids []DecoderId) {
		for _, id := range ids {
			if !seen[id.name] {
				seen[id.name] = true
				union = append(union, id)
			}
		}
	}

	if r.cfg.Modes[ModeSRC5] {
		for _, rule := range r.rules {
			s5, ok := rule.SRC5()
			if !ok {
				continue
			}
			supported, err := r.querySupportsInterface(ctx, address, s5.InterfaceID)
			if err != nil {
				return nil, nil, err
			}
			if supported {
				addUnion(s5.Decoders)
			}
		}
	}

	if r.cfg.Modes[ModeAbiHeuristics] {
		for _, rule := range r.rules {
			ids, err := rule.IdentifyByABI(address, classHash, class)
			if err != nil {
				logrus.WithFields(logrus.Fields{"rule": rule.Name(), "address": addrHex}).Warnf("registry: rule failed: %v", err)
				continue
			}
			addUnion(ids)
		}
	}

	classification := Classification(union)

	dbClassification := enginedb.Classification{
		Decoders:    classification.Names(),
		IsTombstone: len(classification) == 0,
		UpdatedAt:   enginedb.NowUnix(),
	}
	r.cache.Add(addrHex, dbClassification)

	classOp, err := enginedb.ClassificationOp(addrHex, dbClassification)
	if err != nil {
		return nil, nil, err
	}

	ops := []enginedb.Op{classOp}
	if extraFPOp != nil {
		ops = append(ops, *extraFPOp)
	}

	return classification, &PendingWrite{Ops: ops}, nil
}

func (r *Registry) querySupportsInterface(ctx context.Context, address, interfaceID felt.Felt) (bool, error) {
	var res []felt.Felt
	err := r.retryOp(ctx, func() error {
		var err error
		res, err = r.provider.Call(ctx, provider.CallRequest{
			Contract: address,
			Selector: SupportsInterfaceSelector,
			Calldata: []felt.Felt{interfaceID},
			Block:    provider.Latest(),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if len(res) == 0 {
		return false, nil
	}
	return !res[0].IsZero(), nil
}

func (r *Registry) retryOp(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(r.cfg.Retry.newBackoff(), ctx))
}

// Invalidate clears the in-memory cache entry for an address, e.g. after an
// operator tool determines its class has upgraded (spec §4.3: "an operator
// tool clears the cache entry"). It does not remove the durable engine-DB
// entry; callers wanting full invalidation should also delete
// contract/{address} from the engine DB.
func (r *Registry) Invalidate(address felt.Felt) {
	r.cache.Remove(address.PaddedHex())
}
