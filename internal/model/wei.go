package model

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrWeiOverflow is returned when an amount does not fit in 256 bits, which
// is also the point at which the ledger's checked arithmetic reverts.
var ErrWeiOverflow = errors.New("model: wei amount overflows 256 bits")

// Wei is an exact amount in the smallest currency unit. It is a value type:
// copies never alias, and two equal amounts compare equal with ==.
type Wei struct {
	v uint256.Int
}

// NewWei returns an amount of n wei.
func NewWei(n uint64) Wei {
	var w Wei
	w.v.SetUint64(n)
	return w
}

// WeiFromBig converts a non-negative big.Int. It fails on negative values and
// on values wider than 256 bits.
func WeiFromBig(b *big.Int) (Wei, error) {
	var w Wei
	if b == nil || b.Sign() < 0 {
		return w, errors.New("model: wei amount must be non-negative")
	}
	if overflow := w.v.SetFromBig(b); overflow {
		return Wei{}, ErrWeiOverflow
	}
	return w, nil
}

// ParseWei parses a base-10 integer string.
func ParseWei(s string) (Wei, error) {
	var w Wei
	if err := w.v.SetFromDecimal(s); err != nil {
		return Wei{}, err
	}
	return w, nil
}

// Add returns w+o, failing on overflow.
func (w Wei) Add(o Wei) (Wei, error) {
	var r Wei
	if _, overflow := r.v.AddOverflow(&w.v, &o.v); overflow {
		return Wei{}, ErrWeiOverflow
	}
	return r, nil
}

// MulUint64 returns w*n, failing on overflow.
func (w Wei) MulUint64(n uint64) (Wei, error) {
	var r, f Wei
	f.v.SetUint64(n)
	if _, overflow := r.v.MulOverflow(&w.v, &f.v); overflow {
		return Wei{}, ErrWeiOverflow
	}
	return r, nil
}

func (w Wei) Cmp(o Wei) int { return w.v.Cmp(&o.v) }

func (w Wei) IsZero() bool { return w.v.IsZero() }

// Big returns a fresh big.Int holding the amount.
func (w Wei) Big() *big.Int { return w.v.ToBig() }

// String returns the base-10 representation.
func (w Wei) String() string { return w.v.Dec() }

func (w Wei) MarshalText() ([]byte, error) {
	return []byte(w.v.Dec()), nil
}

func (w *Wei) UnmarshalText(text []byte) error {
	parsed, err := ParseWei(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
