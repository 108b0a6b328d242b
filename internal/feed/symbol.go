package feed

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CanonicalSymbol converts any input to the internal BASE/QUOTE form.
// A cleaned 6-character input is treated as a standard currency pair and
// split after the base ("eurusd" -> "EUR/USD"); anything else (indices,
// metals in native instrument style) passes through cleaned and uppercased.
func CanonicalSymbol(symbol string) string {
	cleaned := cleanSymbol(symbol)
	if len(cleaned) == 6 {
		return cleaned[:3] + "/" + cleaned[3:]
	}
	return cleaned
}

// NativeSymbol converts a canonical (or sloppy) symbol back to the backend's
// native form: uppercase with slashes and spaces removed.
func NativeSymbol(symbol string) string {
	return cleanSymbol(symbol)
}

func cleanSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "")
	s = strings.ReplaceAll(s, " ", "")
	return strings.ToUpper(s)
}

var (
	pipStandard = decimal.RequireFromString("0.0001")
	pipJPY      = decimal.RequireFromString("0.01")
)

// PipSize returns one pip in price units for the given canonical symbol:
// 0.01 for JPY-quoted pairs, 0.0001 otherwise.
func PipSize(canonical string) decimal.Decimal {
	if strings.HasSuffix(canonical, "/JPY") || strings.HasSuffix(canonical, "JPY") {
		return pipJPY
	}
	return pipStandard
}
