// Package money provides arbitrary-precision wei arithmetic helpers shared by
// the policy engine, orchestrator, and ledger invariant checks. Amounts are
// carried as *big.Int internally and as decimal strings at persistence/API
// boundaries, per spec.md §6 "Persisted state layout".
package money

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Wei is an arbitrary-precision non-negative quantity measured in wei.
type Wei struct {
	v *big.Int
}

// Zero returns the additive identity.
func Zero() Wei { return Wei{v: big.NewInt(0)} }

// FromString parses a base-10 decimal string into a Wei value.
func FromString(s string) (Wei, error) {
	if s == "" {
		return Zero(), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Wei{}, fmt.Errorf("money: invalid decimal amount %q", s)
	}
	if v.Sign() < 0 {
		return Wei{}, fmt.Errorf("money: amount %q must be non-negative", s)
	}
	return Wei{v: v}, nil
}

// FromUint64 builds a Wei value from a uint64.
func FromUint64(u uint64) Wei {
	return Wei{v: new(big.Int).SetUint64(u)}
}

// String renders the amount as a base-10 decimal string.
func (w Wei) String() string {
	if w.v == nil {
		return "0"
	}
	return w.v.String()
}

// Big returns a defensive copy of the underlying big.Int.
func (w Wei) Big() *big.Int {
	if w.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(w.v)
}

// Cmp compares w against other, returning -1, 0, or 1.
func (w Wei) Cmp(other Wei) int {
	return w.Big().Cmp(other.Big())
}

// Add returns w + other.
func (w Wei) Add(other Wei) Wei {
	return Wei{v: new(big.Int).Add(w.Big(), other.Big())}
}

// Sub returns w - other, clamped to zero if the result would be negative.
func (w Wei) Sub(other Wei) Wei {
	out := new(big.Int).Sub(w.Big(), other.Big())
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return Wei{v: out}
}

// IsZero reports whether the amount is exactly zero.
func (w Wei) IsZero() bool {
	return w.v == nil || w.v.Sign() == 0
}

// FitsUint256 reports whether the amount fits in a uint256, the width Ethereum
// transaction values and gas prices are ultimately constrained to.
func (w Wei) FitsUint256() bool {
	_, overflow := uint256.FromBig(w.Big())
	return !overflow
}

// ToUint256 converts the amount to a uint256, returning an error on overflow.
func (w Wei) ToUint256() (*uint256.Int, error) {
	u, overflow := uint256.FromBig(w.Big())
	if overflow {
		return nil, fmt.Errorf("money: amount %s overflows uint256", w.String())
	}
	return u, nil
}
