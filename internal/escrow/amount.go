package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the precision of the payment token (USDC).
const TokenDecimals = 6

// ParseAmount converts a decimal token string such as "0.005" into the
// smallest token unit. Digits beyond the token precision are truncated.
func ParseAmount(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	value = strings.TrimPrefix(value, "+")

	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	return out, nil
}

// FormatAmount renders a smallest-unit amount as a decimal string.
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	s := new(big.Int).Abs(amount).String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
	if amount.Sign() < 0 {
		whole = "-" + whole
	}
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
