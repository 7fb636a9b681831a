// Package fake implements an in-memory, deterministic provider.Provider
// used across the repository's tests. No Go client for Starknet-style
// JSON-RPC exists in this repository's dependency corpus (see DESIGN.md),
// so this fake stands in for the real wire client the spec abstracts away.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
)

// Provider is a deterministic, in-memory provider.Provider. Blocks and
// classes are seeded by the test via AddBlock/SetClass; FailNext* let tests
// simulate transient transport errors.
type Provider struct {
	mu sync.Mutex

	blocks map[uint64]provider.Block
	latest uint64

	classes map[string]provider.ContractClass // key: address.PaddedHex()

	// failBatchRequestsN makes the next N BatchRequests calls fail.
	failBatchRequestsN int
	// failGetClassAtN makes the next N GetClassAt calls fail.
	failGetClassAtN int
	// failGetClassHashAtN makes the next N GetClassHashAt calls fail.
	failGetClassHashAtN int

	callResults map[string][]felt.Felt // key: selector.PaddedHex()

	getClassHashAtCalls int
	classHashAtDelay    time.Duration
}

// SetClassHashAtDelay makes GetClassHashAt sleep for d before returning,
// widening the window for concurrent callers to join a singleflight group
// in tests.
func (p *Provider) SetClassHashAtDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classHashAtDelay = d
}

// New builds an empty fake provider.
func New() *Provider {
	return &Provider{
		blocks:      make(map[uint64]provider.Block),
		classes:     make(map[string]provider.ContractClass),
		callResults: make(map[string][]felt.Felt),
	}
}

// AddBlock seeds a block and advances the fake chain head if needed.
func (p *Provider) AddBlock(b provider.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[b.Number] = b
	if b.Number > p.latest {
		p.latest = b.Number
	}
}

// SetLatest pins the chain head independently of the highest seeded block,
// letting tests exercise the "near head" / "live" boundary precisely.
func (p *Provider) SetLatest(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = n
}

// SetClass seeds the class returned for an address by GetClassAt.
func (p *Provider) SetClass(address felt.Felt, class provider.ContractClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classes[address.PaddedHex()] = class
}

// SetCallResult seeds the result returned by Call for a given selector,
// regardless of contract/calldata (sufficient for SRC-5 interface-query
// fixtures, which only vary the interface id encoded in calldata).
func (p *Provider) SetCallResult(selector felt.Felt, result []felt.Felt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callResults[selector.PaddedHex()] = result
}

// FailNextBatchRequests makes the next n calls to BatchRequests return a
// transient error, letting tests exercise extractor retry logic.
func (p *Provider) FailNextBatchRequests(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failBatchRequestsN = n
}

// FailNextGetClassAt makes the next n calls to GetClassAt return a
// transient error, letting tests exercise registry retry logic.
func (p *Provider) FailNextGetClassAt(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGetClassAtN = n
}

// FailNextGetClassHashAt makes the next n calls to GetClassHashAt return a
// transient error, letting tests exercise registry retry logic.
func (p *Provider) FailNextGetClassHashAt(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGetClassHashAtN = n
}

// ErrTransient is returned by fake calls consumed from FailNext* budgets,
// simulating a retryable transport failure.
var ErrTransient = fmt.Errorf("fake provider: simulated transient failure")

func (p *Provider) LatestBlockNumber(_ context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, nil
}

func (p *Provider) GetBlockWithReceipts(_ context.Context, number uint64) (provider.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[number]
	if !ok {
		return provider.Block{}, fmt.Errorf("fake provider: no block %d", number)
	}
	return b, nil
}

// GetClassHashAtCallCount returns how many times GetClassHashAt has been
// invoked, letting tests assert on singleflight coalescing.
func (p *Provider) GetClassHashAtCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getClassHashAtCalls
}

func (p *Provider) GetClassHashAt(_ context.Context, _ provider.BlockID, address felt.Felt) (felt.Felt, error) {
	p.mu.Lock()
	p.getClassHashAtCalls++
	if p.failGetClassHashAtN > 0 {
		p.failGetClassHashAtN--
		p.mu.Unlock()
		return felt.Zero, ErrTransient
	}
	delay := p.classHashAtDelay
	c, ok := p.classes[address.PaddedHex()]
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return felt.Zero, fmt.Errorf("fake provider: no class for %s", address.PaddedHex())
	}
	return c.ClassHash, nil
}

func (p *Provider) GetClassAt(_ context.Context, _ provider.BlockID, address felt.Felt) (provider.ContractClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failGetClassAtN > 0 {
		p.failGetClassAtN--
		return provider.ContractClass{}, ErrTransient
	}
	c, ok := p.classes[address.PaddedHex()]
	if !ok {
		return provider.ContractClass{}, fmt.Errorf("fake provider: no class for %s", address.PaddedHex())
	}
	return c, nil
}

func (p *Provider) Call(_ context.Context, req provider.CallRequest) ([]felt.Felt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.callResults[req.Selector.PaddedHex()]
	if !ok {
		return nil, nil
	}
	return res, nil
}

func (p *Provider) BatchRequests(ctx context.Context, reqs []provider.BatchRequest) ([]provider.BatchResult, error) {
	p.mu.Lock()
	if p.failBatchRequestsN > 0 {
		p.failBatchRequestsN--
		p.mu.Unlock()
		return nil, ErrTransient
	}
	p.mu.Unlock()

	out := make([]provider.BatchResult, len(reqs))
	for i, r := range reqs {
		switch r.Kind {
		case provider.BatchRequestBlockWithReceipts:
			b, err := p.GetBlockWithReceipts(ctx, r.BlockNumber)
			if err != nil {
				out[i] = provider.BatchResult{Err: err}
				continue
			}
			bc := b
			out[i] = provider.BatchResult{Block: &bc}
		case provider.BatchRequestClassAt:
			c, err := p.GetClassAt(ctx, r.ClassAt.Block, r.ClassAt.Contract)
			if err != nil {
				out[i] = provider.BatchResult{Err: err}
				continue
			}
			cc := c
			out[i] = provider.BatchResult{Class: &cc}
		case provider.BatchRequestCall:
			res, err := p.Call(ctx, *r.Call)
			out[i] = provider.BatchResult{Call: res, Err: err}
		}
	}
	return out, nil
}
