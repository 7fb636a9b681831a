package registry

import (
	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
)

// Erc20Rule is a reference ABI-heuristic identification rule: it marks a
// contract as ERC-20-shaped when its ABI declares transfer/balance_of
// functions and a Transfer event. It exists to exercise the registry and
// the sample decoder end to end; a production deployment would ship a
// richer set of rules per token standard (spec §1 scopes concrete token
// decoders/identification out of the core).
type Erc20Rule struct{}

// Erc20DecoderName is the decoder name this rule contributes.
const Erc20DecoderName = "erc20"

func (Erc20Rule) Name() string { return "erc20" }

func (Erc20Rule) SRC5() (SRC5Rule, bool) { return SRC5Rule{}, false }

func (Erc20Rule) IdentifyByABI(_ felt.Felt, _ felt.Felt, abi provider.ContractClass) ([]DecoderId, error) {
	hasTransfer := abi.HasFunction("transfer")
	hasBalanceOf := abi.HasFunction("balance_of") || abi.HasFunction("balanceOf")
	hasTransferEvent := abi.HasEvent("Transfer")

	if hasTransfer && hasBalanceOf && hasTransferEvent {
		return []DecoderId{NewDecoderId(Erc20DecoderName)}, nil
	}
	return nil, nil
}
