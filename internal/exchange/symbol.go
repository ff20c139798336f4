package exchange

import (
	"strings"

	"github.com/yanun0323/errors"

	"main/pkg/exception"
)

// symbolTable maps internal symbols to exchange notation. Anything not in
// the table falls back to the {BASE}USD -> {BASE}/USD pattern.
var symbolTable = map[string]string{
	"BTCUSD":   "XBT/USD",
	"ETHUSD":   "ETH/USD",
	"SOLUSD":   "SOL/USD",
	"ADAUSD":   "ADA/USD",
	"DOTUSD":   "DOT/USD",
	"LINKUSD":  "LINK/USD",
	"AVAXUSD":  "AVAX/USD",
	"MATICUSD": "MATIC/USD",
	"DOGEUSD":  "DOGE/USD",
	"XRPUSD":   "XRP/USD",
}

// NormalizeSymbol converts an internal symbol to exchange notation.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", errors.Wrap(exception.ErrInvalidSymbol, "empty symbol")
	}

	if mapped, ok := symbolTable[s]; ok {
		return mapped, nil
	}

	base, ok := strings.CutSuffix(s, "USD")
	if !ok || base == "" {
		return "", errors.Wrap(exception.ErrInvalidSymbol, "unrecognized symbol "+symbol)
	}
	if !validBase(base) {
		return "", errors.Wrap(exception.ErrInvalidSymbol, "unrecognized symbol "+symbol)
	}
	if base == "BTC" {
		base = "XBT"
	}

	return base + "/USD", nil
}

// BaseCurrency returns the base asset of an internal symbol, in exchange
// notation (BTC reported as XBT).
func BaseCurrency(symbol string) (string, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}

	base, _, _ := strings.Cut(normalized, "/")
	return base, nil
}

func validBase(base string) bool {
	if len(base) < 2 || len(base) > 6 {
		return false
	}
	for _, r := range base {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}

	return true
}
