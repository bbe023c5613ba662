/**
 * @description
 * Currency normalization helpers. Form fields arrive as display strings
 * ("$1,000,000", "1.5M" is NOT supported) and must be stored as plain
 * numerics. The settlement amount normalizes to 0 when absent; optional
 * financial fields normalize to NULL.
 */
package app

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeAmount strips currency formatting from a display string and
// returns the whole-dollar value. Unparseable or empty input yields 0.
func NormalizeAmount(raw string) int64 {
	v, ok := parseCurrency(raw)
	if !ok {
		return 0
	}
	return v
}

// NormalizeOptionalAmount is like NormalizeAmount but preserves absence:
// empty or unparseable input yields nil rather than 0.
func NormalizeOptionalAmount(raw string) *int64 {
	v, ok := parseCurrency(raw)
	if !ok {
		return nil
	}
	return &v
}

func parseCurrency(raw string) (int64, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return 0, false
	}

	var b strings.Builder
	for _, r := range cleaned {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(r)
		case r == '$' || r == ',' || r == ' ':
			// formatting characters, dropped
		default:
			return 0, false
		}
	}
	if b.Len() == 0 {
		return 0, false
	}

	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	if f < 0 {
		return 0, false
	}
	return int64(math.Round(f)), true
}
