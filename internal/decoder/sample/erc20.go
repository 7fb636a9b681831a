// Package sample provides a reference decoder for ERC-20-shaped Transfer
// events, exercising the decoder/envelope/registry machinery end to end. It
// pairs with registry.Erc20Rule, which classifies contracts as "erc20".
package sample

import (
	"context"
	"encoding/json"
	"fmt"

	"starknet-etl/internal/decoder"
	"starknet-etl/internal/envelope"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/felt"
)

// TransferTypeURL identifies the wire type of a decoded Transfer envelope.
const TransferTypeURL = "starknet.erc20.v1.Transfer"

var transferSelector = felt.Selector("Transfer")

// TransferTypeId is the TypeId this decoder emits.
var TransferTypeId = envelope.NewTypeId(TransferTypeURL)

// Transfer is the decoded body of an ERC-20 Transfer event: `from`, `to`,
// and a 256-bit `value` split across two felts per Starknet's Cairo 0/1 ABI
// convention for u256 (spec §3's U256 glossary entry).
type Transfer struct {
	From        felt.Felt  `json:"from"`
	To          felt.Felt  `json:"to"`
	Value       felt.U256  `json:"value"`
	BlockNumber uint64     `json:"block_number"`
	BlockHash   felt.Felt  `json:"block_hash"`
	TxHash      felt.Felt  `json:"tx_hash"`
}

// TypeID implements envelope.Body.
func (Transfer) TypeID() envelope.TypeId { return TransferTypeId }

// MarshalBinary implements envelope.Body.
func (t Transfer) MarshalBinary() ([]byte, error) { return json.Marshal(t) }

// Erc20Decoder decodes Transfer events for contracts the registry has
// classified "erc20" (registry.Erc20DecoderName).
type Erc20Decoder struct{}

// Name implements decoder.Decoder.
func (Erc20Decoder) Name() string { return "erc20" }

// Filter implements decoder.Decoder: this decoder has no address-level
// interest of its own (the registry already narrows by classification), but
// it does narrow by selector.
func (Erc20Decoder) Filter() decoder.Filter {
	return decoder.Filter{Selectors: []string{transferSelector.PaddedHex()}}
}

// Emits implements decoder.Decoder.
func (Erc20Decoder) Emits() []envelope.TypeId {
	return []envelope.TypeId{TransferTypeId}
}

// DecodeEvent implements decoder.Decoder. A Starknet Transfer event encodes
// `from` and `to` as indexed keys (keys[1], keys[2], following the selector
// at keys[0]) and the u256 value as two data words. An event with a
// different selector yields zero envelopes and no error; a Transfer with
// fewer keys or data words than expected returns an error, which the
// MultiDecoder counts as a decode failure and skips.
func (Erc20Decoder) DecodeEvent(_ context.Context, raw extractor.RawEvent) ([]envelope.Envelope, error) {
	if !raw.Selector().Equal(transferSelector) {
		return nil, nil
	}
	if len(raw.Keys) < 3 || len(raw.Data) < 2 {
		return nil, fmt.Errorf("erc20: malformed Transfer: %d keys, %d data words", len(raw.Keys), len(raw.Data))
	}

	body := Transfer{
		From: raw.Keys[1],
		To:   raw.Keys[2],
		Value: felt.U256{
			Low:  raw.Data[0],
			High: raw.Data[1],
		},
		BlockNumber: raw.BlockNumber,
		BlockHash:   raw.BlockHash,
		TxHash:      raw.TxHash,
	}

	id := fmt.Sprintf("%s:%d:%d", raw.TxHash.PaddedHex(), raw.TxIndex, raw.EventIndex)
	meta := map[string]string{
		"block_number": fmt.Sprintf("%d", raw.BlockNumber),
		"from_address": raw.FromAddress.PaddedHex(),
	}

	return []envelope.Envelope{envelope.New(id, body, meta)}, nil
}
