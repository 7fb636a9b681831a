// Package extractor implements the block-range extractor: it pulls
// consecutive block ranges via batched RPC and yields ExtractionBatches
// (spec §4.4).
package extractor

import (
	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
)

// RawEvent is the immutable tuple the extractor produces for every emitted
// event: the emitting contract, its ordered keys (first key is the event
// selector), its ordered data words, and the block/tx metadata it was
// stamped with. Never mutated after construction (spec §3).
type RawEvent struct {
	FromAddress felt.Felt
	Keys        []felt.Felt
	Data        []felt.Felt
	BlockNumber uint64
	BlockHash   felt.Felt
	TxHash      felt.Felt
	TxIndex     uint64
	EventIndex  uint64
}

// Selector returns the event's selector: the first indexed key, or the
// zero felt if the event carries no keys at all (malformed).
func (e RawEvent) Selector() felt.Felt {
	if len(e.Keys) == 0 {
		return felt.Zero
	}
	return e.Keys[0]
}

func rawEventFromProvider(e provider.Event) RawEvent {
	return RawEvent{
		FromAddress: e.FromAddress,
		Keys:        e.Keys,
		Data:        e.Data,
		BlockNumber: e.BlockNumber,
		BlockHash:   e.BlockHash,
		TxHash:      e.TxHash,
		TxIndex:     e.TxIndex,
		EventIndex:  e.EventIndex,
	}
}

// BlockContext carries per-block metadata alongside raw events (spec §3).
type BlockContext struct {
	Number    uint64
	Hash      felt.Felt
	Timestamp uint64
}

// TransactionContext carries per-transaction metadata (spec §3).
type TransactionContext struct {
	Hash        felt.Felt
	Sender      felt.Felt
	BlockNumber uint64
	Index       uint64
}

// DeclaredClass records a class declaration observed within a batch.
type DeclaredClass struct {
	ClassHash         felt.Felt
	CompiledClassHash felt.Felt
	BlockNumber       uint64
}

// DeployedContract records a contract deployment observed within a batch.
type DeployedContract struct {
	Address     felt.Felt
	ClassHash   felt.Felt
	BlockNumber uint64
}

// ExtractionBatch is one unit of work crossing the extractor→decoder→sink
// boundary (spec §3). It is immutable once emitted by Extract.
type ExtractionBatch struct {
	// Blocks is the ordered list of block numbers covered by this batch,
	// lowest first; BlocksByNumber provides the corresponding contexts.
	Blocks         []uint64
	BlocksByNumber map[uint64]BlockContext
	Transactions   []TransactionContext
	Events         []RawEvent
	Declared       []DeclaredClass
	Deployed       []DeployedContract
	// Cursor is the opaque, resumable position the caller should pass back
	// into the next Extract call.
	Cursor string
	// Live is true iff the batch's highest block is within LiveThreshold
	// blocks of the provider's current head at extraction time.
	Live bool
}

// Empty reports whether the batch covers no blocks at all (the "at chain
// head, nothing new yet" case in spec §4.4).
func (b ExtractionBatch) Empty() bool {
	return len(b.Blocks) == 0
}

// HighestBlock returns the batch's highest block number, or 0 if empty.
func (b ExtractionBatch) HighestBlock() uint64 {
	if len(b.Blocks) == 0 {
		return 0
	}
	return b.Blocks[len(b.Blocks)-1]
}
