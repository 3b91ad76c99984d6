// Package core provides money parsing and handling utilities.
//
// Amounts are stored as integer cents. Parsing goes through shopspring/decimal
// so that half-up rounding on the third decimal place is exact.
package core

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest single amount accepted, 1e12 units. Tens of
// thousands of obligations at this bound still sum inside int64.
var MaxAmount = Money{Cents: 100_000_000_000_000}

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(MaxAmount.Cents)
)

// Money is an amount in cents.
type Money struct {
	Cents int64
}

// Validate rejects negative amounts and amounts above MaxAmount. Zero is a
// valid obligation amount.
func (m Money) Validate() error {
	if m.Cents < 0 || m.Cents > MaxAmount.Cents {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns the sum, or ErrAmountOverflow when it does not fit in int64.
func (m Money) Add(o Money) (Money, error) {
	sum := m.Cents + o.Cents
	if (o.Cents > 0 && sum < m.Cents) || (o.Cents < 0 && sum > m.Cents) {
		return Money{}, ErrAmountOverflow
	}
	return Money{Cents: sum}, nil
}

// Decimal returns the amount in units as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with two decimals, e.g. "12.30".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = Money{}
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return ErrInvalidAmount
		}
	} else {
		s = string(b)
	}
	cents, err := ParseDecimalToCents(s)
	if err != nil {
		return err
	}
	m.Cents = cents
	return nil
}

// ParseDecimalToCents converts a decimal string to cents with half-up rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Negative
// values, amounts above MaxAmount, NaN and infinities are rejected; zero is
// accepted.
//
// Examples:
//
//	ParseDecimalToCents("12.34")  -> 1234, nil
//	ParseDecimalToCents("12,345") -> 1235, nil (rounds up)
//	ParseDecimalToCents("-1")     -> 0, ErrInvalidAmount
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return decimalToCents(d)
}

func decimalToCents(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	c := d.Mul(hundred).Round(0)
	if !c.IsInteger() || c.GreaterThan(maxCents) {
		return 0, ErrInvalidAmount
	}
	return c.IntPart(), nil
}
