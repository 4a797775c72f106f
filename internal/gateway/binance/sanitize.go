package binance

import (
	"time"

	"tradeloop/internal/market"
)

const DefaultKlineGrace = 10 * time.Second

// dropUnclosed removes the trailing kline when it is still the in-progress bar.
// Candle times are milliseconds since epoch.
func dropUnclosed(klines []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	if len(klines) == 0 || interval <= 0 {
		return klines
	}
	if grace < 0 {
		grace = 0
	}
	last := klines[len(klines)-1]
	if last.OpenTime <= 0 {
		return klines
	}
	cutoff := last.OpenTime + interval.Milliseconds() + grace.Milliseconds()
	if now.UnixMilli() < cutoff {
		return klines[:len(klines)-1]
	}
	return klines
}
