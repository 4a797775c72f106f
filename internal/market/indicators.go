package market

import (
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"
)

// Indicators holds the latest value of each indicator; zero means not enough data.
type Indicators struct {
	SMA20      float64 `json:"sma20"`
	SMA50      float64 `json:"sma50"`
	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	RSI14      float64 `json:"rsi14"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
}

// Warmup is the number of extra bars needed before the slowest indicator is defined.
const Warmup = 50

func ComputeIndicators(candles Candles) Indicators {
	closes := candles.Closes()
	n := len(closes)
	var ind Indicators
	if n >= 20 {
		ind.SMA20 = lastValid(talib.Sma(closes, 20))
		ind.EMA20 = lastValid(talib.Ema(closes, 20))
		upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
		ind.BBUpper, ind.BBMiddle, ind.BBLower = lastValid(upper), lastValid(middle), lastValid(lower)
	}
	if n >= 50 {
		ind.SMA50 = lastValid(talib.Sma(closes, 50))
		ind.EMA50 = lastValid(talib.Ema(closes, 50))
	}
	if n > 14 {
		ind.RSI14 = lastValid(talib.Rsi(closes, 14))
	}
	if n >= 35 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		ind.MACD, ind.MACDSignal, ind.MACDHist = lastValid(macd), lastValid(signal), lastValid(hist)
	}
	return ind
}

// Summary renders the indicators for a prompt, skipping the undefined ones.
func (ind Indicators) Summary(price float64) string {
	var parts []string
	add := func(name string, v float64) {
		if v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%.4f", name, v))
		}
	}
	add("SMA20", ind.SMA20)
	add("SMA50", ind.SMA50)
	add("EMA20", ind.EMA20)
	add("EMA50", ind.EMA50)
	if ind.RSI14 != 0 {
		parts = append(parts, fmt.Sprintf("RSI14=%.2f (%s)", ind.RSI14, rsiState(ind.RSI14)))
	}
	if ind.MACD != 0 || ind.MACDSignal != 0 {
		parts = append(parts, fmt.Sprintf("MACD=%.4f signal=%.4f hist=%.4f", ind.MACD, ind.MACDSignal, ind.MACDHist))
	}
	if ind.BBUpper != 0 {
		parts = append(parts, fmt.Sprintf("BB20=[%.4f, %.4f, %.4f] price %s", ind.BBLower, ind.BBMiddle, ind.BBUpper, bandState(price, ind)))
	}
	if len(parts) == 0 {
		return "indicators unavailable (insufficient history)"
	}
	return strings.Join(parts, "; ")
}

func rsiState(v float64) string {
	switch {
	case v >= 70:
		return "overbought"
	case v <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func bandState(price float64, ind Indicators) string {
	switch {
	case price > ind.BBUpper:
		return "above upper band"
	case price < ind.BBLower:
		return "below lower band"
	default:
		return "inside bands"
	}
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return math.Round(series[i]*1e6) / 1e6
		}
	}
	return 0
}
