// Package provider defines the RPC consumer capability the rest of the
// pipeline depends on (spec §6). Concrete wire codecs and batching
// libraries are out of scope for this repository; this package only
// specifies the interface and, in the fake subpackage, an in-memory test
// double.
package provider

import (
	"context"

	"starknet-etl/internal/felt"
)

// BlockTag selects a named block instead of a specific number.
type BlockTag string

const (
	// BlockTagLatest selects the most recent accepted block.
	BlockTagLatest BlockTag = "latest"
	// BlockTagPending selects the pre-confirmed block, if any. Callers in
	// this repository never request it for extraction purposes (spec
	// §4.4: "Pre-confirmed / pending blocks MUST be skipped"), but the
	// capability exists because some providers expose it for other uses
	// (e.g. mempool introspection, out of scope here).
	BlockTagPending BlockTag = "pending"
)

// BlockID selects a block either by tag or by explicit number. Exactly one
// of Tag or Number should be treated as meaningful; Number is used when Tag
// is empty.
type BlockID struct {
	Tag    BlockTag
	Number uint64
}

// AtNumber builds a BlockID pinned to a specific block number.
func AtNumber(n uint64) BlockID { return BlockID{Number: n} }

// Latest builds a BlockID referring to the chain head.
func Latest() BlockID { return BlockID{Tag: BlockTagLatest} }

// Event is a single raw, emitted event as returned by the provider, before
// any pipeline enrichment (block number/hash are already known at this
// point since the provider always returns them alongside receipts).
type Event struct {
	FromAddress felt.Felt
	Keys        []felt.Felt
	Data        []felt.Felt
	BlockNumber uint64
	BlockHash   felt.Felt
	TxHash      felt.Felt
	// TxIndex is the event's transaction's index within its block,
	// establishing the intra-block ordering spec §3/§8 (P3) require.
	TxIndex uint64
	// EventIndex is the event's position within its transaction's event
	// list, completing the deterministic ordering within a single tx.
	EventIndex uint64
}

// Block is a single finalized block with its receipts, as returned in bulk
// by GetBlockWithReceipts.
type Block struct {
	Number    uint64
	Hash      felt.Felt
	Timestamp uint64
	Events    []Event
	Txs       []Transaction
	Declared  []DeclaredClass
	Deployed  []DeployedContract
}

// Transaction carries the per-transaction metadata decoders/sinks need
// (spec §3's "transaction context").
type Transaction struct {
	Hash   felt.Felt
	Sender felt.Felt
	// Index is the transaction's position within its block.
	Index uint64
}

// DeclaredClass records a class declaration observed in a block.
type DeclaredClass struct {
	ClassHash       felt.Felt
	CompiledClassHash felt.Felt
}

// DeployedContract records a contract deployment observed in a block.
type DeployedContract struct {
	Address   felt.Felt
	ClassHash felt.Felt
}

// ContractClass is a contract's class as returned by GetClassAt: for this
// repository's purposes, just its ABI surface (function and event names),
// which is all the identification rules in internal/registry need. The
// concrete schema/type-introspection subsystem that parses a full Starknet
// class (Cairo 0 vs Cairo 1, full ABI entries, structs...) is out of scope
// (spec §1); this shape is the minimal contract that lets ABI-heuristic
// identification work.
type ContractClass struct {
	ClassHash       felt.Felt
	FunctionNames   []string
	EventNames      []string
}

// HasFunction reports whether the class ABI declares a function with the
// given name.
func (c ContractClass) HasFunction(name string) bool {
	for _, f := range c.FunctionNames {
		if f == name {
			return true
		}
	}
	return false
}

// HasEvent reports whether the class ABI declares an event with the given
// name.
func (c ContractClass) HasEvent(name string) bool {
	for _, e := range c.EventNames {
		if e == name {
			return true
		}
	}
	return false
}

// CallRequest describes a read-only contract call.
type CallRequest struct {
	Contract felt.Felt
	Selector felt.Felt
	Calldata []felt.Felt
	Block    BlockID
}

// BatchRequest is a single pipelined request inside a BatchRequests call.
// Kind distinguishes which of the Provider methods it represents; exactly
// one of the accompanying fields is populated.
type BatchRequest struct {
	Kind         BatchRequestKind
	BlockNumber  uint64
	ClassAt      *CallRequest // reuses Contract/Block fields for class lookups
	Call         *CallRequest
}

// BatchRequestKind enumerates the supported pipelined request shapes.
type BatchRequestKind int

const (
	BatchRequestBlockWithReceipts BatchRequestKind = iota
	BatchRequestClassAt
	BatchRequestCall
)

// BatchResult is the result slot for one BatchRequest, indexed positionally.
type BatchResult struct {
	Block *Block
	Class *ContractClass
	Call  []felt.Felt
	Err   error
}

// Provider is the RPC consumer capability abstracted per spec §6.
type Provider interface {
	// LatestBlockNumber returns the current chain head's block number.
	LatestBlockNumber(ctx context.Context) (uint64, error)
	// GetBlockWithReceipts returns the block, its receipts, and per-tx
	// events for a single block.
	GetBlockWithReceipts(ctx context.Context, number uint64) (Block, error)
	// GetClassHashAt cheaply returns just the class hash bound to address,
	// without downloading the full ABI.
	GetClassHashAt(ctx context.Context, block BlockID, address felt.Felt) (felt.Felt, error)
	// GetClassAt returns the contract class (ABI surface) for address at
	// the given block.
	GetClassAt(ctx context.Context, block BlockID, address felt.Felt) (ContractClass, error)
	// Call performs a read-only function invocation.
	Call(ctx context.Context, req CallRequest) ([]felt.Felt, error)
	// BatchRequests pipelines multiple requests into a single round trip.
	BatchRequests(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error)
}
