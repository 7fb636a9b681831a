package extractor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"starknet-etl/internal/provider"
)

// DefaultLiveThresholdBlocks is how close to the provider's head a batch's
// highest block must be to be considered "live" (spec §4.4).
const DefaultLiveThresholdBlocks = 100

// RetryConfig configures the backoff policy wrapped around each batched
// RPC call (spec §4.4, §9).
type RetryConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultRetryConfig mirrors the teacher's hand-rolled defaults
// (3 attempts, 1.5s delay), re-expressed as an exponential-backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: 1500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

func (c RetryConfig) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoff
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by MaxAttempts via WithMaxRetries instead
	return backoff.WithMaxRetries(b, uint64(max(c.MaxAttempts-1, 0)))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Extractor pulls consecutive block ranges via batched RPC and yields
// ExtractionBatches (spec §4.4). Its internal cursor is the next block to
// fetch; IsFinished reports whether ToBlock has been reached.
type Extractor struct {
	Provider    provider.Provider
	ToBlock     *uint64 // nil means "no upper bound; follow head"
	BatchSize   uint64
	Retry       RetryConfig
	LiveThreshold uint64

	cursorBlock uint64
}

// New builds an Extractor starting at fromBlock.
func New(p provider.Provider, fromBlock uint64, toBlock *uint64, batchSize uint64, retry RetryConfig) *Extractor {
	if batchSize == 0 {
		batchSize = 1
	}
	threshold := uint64(DefaultLiveThresholdBlocks)
	return &Extractor{
		Provider:      p,
		ToBlock:       toBlock,
		BatchSize:     batchSize,
		Retry:         retry,
		LiveThreshold: threshold,
		cursorBlock:   fromBlock,
	}
}

// IsFinished reports whether the extractor has exhausted its bounded
// range. An unbounded extractor (ToBlock == nil) is never finished.
func (e *Extractor) IsFinished() bool {
	return e.ToBlock != nil && e.cursorBlock > *e.ToBlock
}

// Cursor returns the extractor's current internal cursor (next block to
// fetch), primarily for logging/diagnostics.
func (e *Extractor) Cursor() uint64 { return e.cursorBlock }

// SeedCursor resumes the extractor from a previously-persisted cursor
// string, as produced in ExtractionBatch.Cursor.
func (e *Extractor) SeedCursor(cursor string) error {
	if cursor == "" {
		return nil
	}
	n, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return fmt.Errorf("extractor: invalid cursor %q: %w", cursor, err)
	}
	e.cursorBlock = n
	return nil
}

// Extract fetches the next range of blocks and returns the resulting
// batch. If the range is empty (the cursor has caught up to the chain
// head), it returns an empty batch with the cursor unchanged; the caller
// should sleep before retrying (spec §4.4).
func (e *Extractor) Extract(ctx context.Context) (ExtractionBatch, error) {
	head, err := e.Provider.LatestBlockNumber(ctx)
	if err != nil {
		return ExtractionBatch{}, fmt.Errorf("extractor: fetch head: %w", err)
	}

	from := e.cursorBlock
	to := from + e.BatchSize - 1
	if to > head {
		to = head
	}
	if e.ToBlock != nil && to > *e.ToBlock {
		to = *e.ToBlock
	}

	if from > to {
		return ExtractionBatch{Cursor: strconv.FormatUint(e.cursorBlock, 10)}, nil
	}

	blocks, err := e.fetchRangeWithRetry(ctx, from, to)
	if err != nil {
		return ExtractionBatch{}, fmt.Errorf("extractor: fetch range [%d,%d]: %w", from, to, err)
	}

	batch := assembleBatch(blocks)
	batch.Live = head-batch.HighestBlock() < e.LiveThreshold

	e.cursorBlock = to + 1
	batch.Cursor = strconv.FormatUint(e.cursorBlock, 10)

	return batch, nil
}

// fetchRangeWithRetry issues a single batched RPC for every block in
// [from, to] (spec §4.4: "a single batched RPC ... in a single request-data
// array"), retrying the whole call with exponential backoff on transport
// failure.
func (e *Extractor) fetchRangeWithRetry(ctx context.Context, from, to uint64) ([]provider.Block, error) {
	reqs := make([]provider.BatchRequest, 0, to-from+1)
	for n := from; n <= to; n++ {
		reqs = append(reqs, provider.BatchRequest{Kind: provider.BatchRequestBlockWithReceipts, BlockNumber: n})
	}

	var results []provider.BatchResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := e.Provider.BatchRequests(ctx, reqs)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"from": from, "to": to, "attempt": attempt,
			}).Warnf("extractor: batched RPC failed: %v", err)
			return err
		}
		results = res
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(e.Retry.newBackoff(), ctx)); err != nil {
		return nil, err
	}

	blocks := make([]provider.Block, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("block %d: %w", from+uint64(i), r.Err)
		}
		if r.Block == nil {
			return nil, fmt.Errorf("block %d: missing result", from+uint64(i))
		}
		blocks = append(blocks, *r.Block)
	}
	return blocks, nil
}

// assembleBatch flattens a set of fetched blocks into an ExtractionBatch,
// preserving block-then-receipt order throughout (spec §3, §4.4).
func assembleBatch(blocks []provider.Block) ExtractionBatch {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Number < blocks[j].Number })

	batch := ExtractionBatch{
		BlocksByNumber: make(map[uint64]BlockContext, len(blocks)),
	}

	for _, b := range blocks {
		batch.Blocks = append(batch.Blocks, b.Number)
		batch.BlocksByNumber[b.Number] = BlockContext{Number: b.Number, Hash: b.Hash, Timestamp: b.Timestamp}

		for _, tx := range b.Txs {
			batch.Transactions = append(batch.Transactions, TransactionContext{
				Hash: tx.Hash, Sender: tx.Sender, BlockNumber: b.Number, Index: tx.Index,
			})
		}
		for _, ev := range b.Events {
			batch.Events = append(batch.Events, rawEventFromProvider(ev))
		}
		for _, dc := range b.Declared {
			batch.Declared = append(batch.Declared, DeclaredClass{
				ClassHash: dc.ClassHash, CompiledClassHash: dc.CompiledClassHash, BlockNumber: b.Number,
			})
		}
		for _, dep := range b.Deployed {
			batch.Deployed = append(batch.Deployed, DeployedContract{
				Address: dep.Address, ClassHash: dep.ClassHash, BlockNumber: b.Number,
			})
		}
	}

	return batch
}
