// Package convert provides type conversion utilities.
package convert

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ToFloat64 converts numeric values and numeric strings to float64.
// Returns 0 for unsupported types or parse failures.
func ToFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case decimal.Decimal:
		return t.InexactFloat64()
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// Round8 rounds to 8 decimal places, the precision P&L values are stored with.
func Round8(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}
