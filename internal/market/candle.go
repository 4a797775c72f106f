package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) Time() time.Time {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	return time.UnixMilli(ts).UTC()
}

type Candles []Candle

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// Tail returns at most n trailing candles.
func (cs Candles) Tail(n int) Candles {
	if n <= 0 || len(cs) <= n {
		return cs
	}
	return cs[len(cs)-n:]
}

// Snapshot renders a one-line summary: last close, window change and range.
func (cs Candles) Snapshot(timeframe string) string {
	if len(cs) == 0 {
		return ""
	}
	first, last := cs[0], cs[len(cs)-1]
	base := first.Close
	if base == 0 {
		base = first.Open
	}
	low, high := math.MaxFloat64, -math.MaxFloat64
	for _, bar := range cs {
		low = math.Min(low, bar.Low)
		high = math.Max(high, bar.High)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "close=%.4f", last.Close)
	if base != 0 {
		fmt.Fprintf(&sb, " (%+.2f%% over %d x %s)", (last.Close-base)/base*100, len(cs), timeframe)
	}
	fmt.Fprintf(&sb, ", range %.4f-%.4f", low, high)
	return sb.String()
}
