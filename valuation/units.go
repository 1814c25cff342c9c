package valuation

import (
	"fmt"
	"math/big"
	"strings"
)

// ToBaseUnit converts a non-negative decimal string into its integer base
// unit representation with the given number of decimals. The input may carry
// at most `decimals` fractional digits.
func ToBaseUnit(value string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must be non-negative")
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decimal string")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%q has more than %d fractional digits", value, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal string %q", value)
	}
	return out, nil
}

// FromBaseUnit renders an integer base-unit amount as a decimal string,
// trimming trailing fractional zeros. It inverts ToBaseUnit.
func FromBaseUnit(raw *big.Int, decimals int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}
	digits := raw.String()
	if decimals == 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	whole, frac := digits[:cut], digits[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// RatFromBaseUnit converts an integer base-unit amount into an exact
// rational, e.g. an 8-decimal subgraph price into USD.
func RatFromBaseUnit(raw *big.Int, decimals int) *big.Rat {
	if raw == nil {
		return new(big.Rat)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(new(big.Int).Set(raw), scale)
}
