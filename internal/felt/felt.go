// Package felt implements the fixed-width field elements used throughout the
// pipeline for addresses, selectors and hashes, plus the 256-bit unsigned
// amounts carried in decoded payloads.
package felt

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// bound is 2**252, the modulus of the Starknet prime field's representable
// range used by this package for validation (the field prime itself is a
// little under 2**252, but callers such as tests and fixtures only need the
// bit-width guarantee, not primality).
var bound = new(big.Int).Lsh(big.NewInt(1), 252)

// Felt is a 252-bit unsigned integer: a contract address, a selector, or a
// class/transaction hash. The zero value is the felt 0.
type Felt struct {
	v big.Int
}

// Zero is the felt value 0.
var Zero = Felt{}

// FromBigInt builds a Felt from a big.Int, reducing out-of-range values so
// callers never observe a value outside [0, 2**252).
func FromBigInt(v *big.Int) Felt {
	var f Felt
	f.v.Mod(v, bound)
	return f
}

// FromUint64 builds a Felt from a small unsigned integer.
func FromUint64(v uint64) Felt {
	return FromBigInt(new(big.Int).SetUint64(v))
}

// FromHex parses a "0x"-prefixed hex string into a Felt.
func FromHex(s string) (Felt, error) {
	b, err := hexutil.DecodeBig(s)
	if err != nil {
		return Felt{}, fmt.Errorf("felt: invalid hex %q: %w", s, err)
	}
	if b.Sign() < 0 {
		return Felt{}, fmt.Errorf("felt: negative value %q", s)
	}
	return FromBigInt(b), nil
}

// MustFromHex is FromHex that panics on error; intended for fixtures and
// compile-time-known constants in tests.
func MustFromHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Hex renders the felt as a "0x"-prefixed, non-padded hex string.
func (f Felt) Hex() string {
	return hexutil.EncodeBig(&f.v)
}

// PaddedHex renders the felt as a 0x-prefixed, 64-hex-digit (32-byte padded)
// string, the canonical form used for engine-DB keys so lexicographic scans
// stay byte-aligned with numeric ordering.
func (f Felt) PaddedHex() string {
	return fmt.Sprintf("0x%064x", &f.v)
}

// Big returns a copy of the underlying big.Int.
func (f Felt) Big() *big.Int {
	return new(big.Int).Set(&f.v)
}

// Equal reports whether two felts represent the same value.
func (f Felt) Equal(o Felt) bool {
	return f.v.Cmp(&o.v) == 0
}

// IsZero reports whether the felt is the zero value.
func (f Felt) IsZero() bool {
	return f.v.Sign() == 0
}

// String implements fmt.Stringer, returning the padded hex form used in
// logs and error messages throughout the pipeline.
func (f Felt) String() string {
	return f.PaddedHex()
}

// MarshalJSON renders the felt as its hex string, matching the wire
// representation used by Starknet-style JSON-RPC.
func (f Felt) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Hex())
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (f *Felt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Selector computes the Starknet-style selector for a function or event
// name: the Keccak-256 hash of the ASCII name, masked down to fit a felt.
// Real Starknet selectors additionally reduce modulo 2**250 ("starknet
// keccak"); this implementation keeps the full 252-bit mask, which is
// sufficient for this repository's identification heuristics and sample
// decoder where only stable, collision-free identifiers matter, not
// bit-for-bit parity with mainnet selector values.
func Selector(name string) Felt {
	h := crypto.Keccak256([]byte(name))
	return FromBigInt(new(big.Int).SetBytes(h))
}

// U256 is a 256-bit unsigned integer used for token amounts, represented as
// two felt-sized words the way Starknet-style ABIs split `u256` into
// `low`/`high` limbs.
type U256 struct {
	Low  Felt
	High Felt
}

// U256FromBigInt splits a big.Int into the low/high 128-bit limbs.
func U256FromBigInt(v *big.Int) U256 {
	mask128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	low := new(big.Int).And(v, mask128)
	high := new(big.Int).Rsh(v, 128)
	return U256{Low: FromBigInt(low), High: FromBigInt(high)}
}

// Big reassembles the 256-bit value from its limbs.
func (u U256) Big() *big.Int {
	v := new(big.Int).Lsh(u.High.Big(), 128)
	v.Or(v, u.Low.Big())
	return v
}

// String renders the reassembled value in decimal, the form most sinks want
// to persist for token amounts.
func (u U256) String() string {
	return u.Big().String()
}
