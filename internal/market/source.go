package market

import (
	"context"
	"errors"
)

// ErrDataUnavailable means every source in the fallback chain, synthetic included, failed.
var ErrDataUnavailable = errors.New("market data unavailable")

type Source interface {
	Name() string
	// History returns up to limit closed candles, oldest first.
	History(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
