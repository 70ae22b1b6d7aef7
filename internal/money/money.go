// Package money converts between exact wei amounts and human-readable ether
// values. Conversion to ether is for display only; nothing computed here may
// feed back into a payment total.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/easybet/market-engine/internal/model"
)

// EtherDecimals is the number of wei digits in one ether.
const EtherDecimals = 18

var (
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("money: amount must not be negative")

	// ErrExcessPrecision is returned when an ether value has more than 18
	// fractional digits and so cannot be represented in wei exactly.
	ErrExcessPrecision = errors.New("money: amount has more than 18 decimal places")
)

// ToEther returns w as an ether decimal.
func ToEther(w model.Wei) decimal.Decimal {
	return decimal.NewFromBigInt(w.Big(), -EtherDecimals)
}

// FormatEther renders w in ether without trailing zeros, e.g. "0.15".
func FormatEther(w model.Wei) string {
	return ToEther(w).String()
}

// ParseEther converts a decimal ether string to wei. It rejects negative
// values and values that are not a whole number of wei.
func ParseEther(s string) (model.Wei, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return model.Wei{}, fmt.Errorf("money: invalid ether amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return model.Wei{}, ErrNegativeAmount
	}
	scaled := d.Shift(EtherDecimals)
	if !scaled.IsInteger() {
		return model.Wei{}, ErrExcessPrecision
	}
	return model.WeiFromBig(scaled.BigInt())
}
