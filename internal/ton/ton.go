// Package ton provides shared TON amount parsing and formatting.
//
// TON uses 9 decimal places. All amounts are carried as decimal
// strings at API and storage boundaries and converted to big.Int
// nanotons (1 TON = 1,000,000,000 nanotons) for arithmetic, so money
// math never touches binary floating point.
package ton

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits of the native unit.
const Decimals = 9

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "25.5") to its nanoton
// big.Int representation (25500000000). Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 9 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, false
	}
	return result, true
}

// Format converts a nanoton big.Int to a decimal string with exactly
// 9 fractional digits (e.g. "25.500000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromNano converts a raw nanoton integer string (as returned by the
// chain indexer) to a decimal display string. Returns "0.000000000"
// on garbled input.
func FromNano(raw string) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return Format(big.NewInt(0))
	}
	return Format(n)
}

// IsPositive reports whether s parses to an amount strictly above zero.
func IsPositive(s string) bool {
	n, ok := Parse(s)
	return ok && n.Sign() > 0
}

// Cmp compares two decimal amount strings. Malformed input compares
// as zero.
func Cmp(a, b string) int {
	an, ok := Parse(a)
	if !ok {
		an = big.NewInt(0)
	}
	bn, ok := Parse(b)
	if !ok {
		bn = big.NewInt(0)
	}
	return an.Cmp(bn)
}

// Add returns a+b as a formatted decimal string.
func Add(a, b string) string {
	an, _ := Parse(a)
	bn, _ := Parse(b)
	if an == nil {
		an = big.NewInt(0)
	}
	if bn == nil {
		bn = big.NewInt(0)
	}
	return Format(new(big.Int).Add(an, bn))
}

// Sub returns a-b as a formatted decimal string.
func Sub(a, b string) string {
	an, _ := Parse(a)
	bn, _ := Parse(b)
	if an == nil {
		an = big.NewInt(0)
	}
	if bn == nil {
		bn = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(an, bn))
}

// ParsePercent converts a percent string with up to two fractional
// digits (e.g. "5.00", "2.5") to basis points. Returns (0, false) on
// invalid or negative input.
func ParsePercent(s string) (int64, bool) {
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > 2 {
		return 0, false
	}
	for len(frac) < 2 {
		frac += "0"
	}
	bp, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || !bp.IsInt64() {
		return 0, false
	}
	return bp.Int64(), true
}

// SplitFee divides an amount into platform fee and seller proceeds.
// feePercent is a percent string with up to two fractional digits
// ("5.00" means 5%). The fee is rounded half-up in nanotons and the
// seller amount is the exact remainder, so fee + seller == amount to
// the last nanoton.
func SplitFee(amount, feePercent string) (fee, seller string, err error) {
	amt, ok := Parse(amount)
	if !ok || amt.Sign() < 0 {
		return "", "", fmt.Errorf("invalid amount %q", amount)
	}
	bp, ok := ParsePercent(feePercent)
	if !ok || bp > 10000 {
		return "", "", fmt.Errorf("invalid fee percent %q", feePercent)
	}

	// fee = round(amount * bp / 10000), half-up
	feeN := new(big.Int).Mul(amt, big.NewInt(bp))
	feeN.Add(feeN, big.NewInt(5000))
	feeN.Div(feeN, big.NewInt(10000))

	sellerN := new(big.Int).Sub(amt, feeN)
	return Format(feeN), Format(sellerN), nil
}
