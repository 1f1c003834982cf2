// Package money handles fixed-point monetary amounts.
//
// Amounts are carried as int64 minor units (cents) internally and as
// decimal strings ("125.00") on the wire. Two decimal places throughout.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned when a string cannot be parsed as a
// non-negative amount with at most two decimal places.
var ErrInvalidAmount = errors.New("invalid amount")

const centsPerUnit = 100

// Parse converts a decimal string like "125.50" to minor units (12550).
// More than two fractional digits is an error, not silent truncation.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '-' || s[0] == '+' {
		return 0, ErrInvalidAmount
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, ErrInvalidAmount
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if units > (1<<62)/centsPerUnit {
		return 0, ErrInvalidAmount
	}
	return units*centsPerUnit + cents, nil
}

// MustParse is Parse for trusted literals in tests and defaults.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money: bad literal %q: %v", s, err))
	}
	return v
}

// Format renders minor units as a decimal string: 12550 -> "125.50".
func Format(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/centsPerUnit, amount%centsPerUnit)
}

// Split divides an amount into a platform commission and seller earnings.
// rateBPS is the commission in basis points (1000 = 10%). The commission
// rounds down, so the seller never loses a cent to rounding.
func Split(amount int64, rateBPS int) (commission, earnings int64) {
	commission = amount * int64(rateBPS) / 10000
	return commission, amount - commission
}
