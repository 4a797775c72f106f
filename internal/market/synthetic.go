package market

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/scheduler"
)

const SyntheticName = "synthetic"

// Synthetic produces a deterministic random walk per symbol, anchored at the last real price seen.
type Synthetic struct {
	mu        sync.Mutex
	seedPrice float64
	anchors   map[string]float64
	nowFn     func() time.Time
}

func NewSynthetic(seedPrice float64) *Synthetic {
	if seedPrice <= 0 {
		seedPrice = 100
	}
	return &Synthetic{seedPrice: seedPrice, anchors: make(map[string]float64), nowFn: time.Now}
}

func (s *Synthetic) Name() string { return SyntheticName }

// Anchor records a real price so later synthetic series stay near it.
func (s *Synthetic) Anchor(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.anchors[strings.ToUpper(symbol)] = price
	s.mu.Unlock()
}

func (s *Synthetic) anchor(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.anchors[strings.ToUpper(symbol)]; ok {
		return p
	}
	return s.seedPrice
}

func (s *Synthetic) History(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	step, ok := scheduler.ParseIntervalDuration(timeframe)
	if !ok {
		step = time.Hour
	}
	if limit <= 0 {
		limit = 30
	}
	end := s.nowFn().UTC().Truncate(step)
	rng := rand.New(rand.NewSource(seed(symbol, end)))
	closes := make([]float64, limit)
	closes[limit-1] = s.anchor(symbol)
	// walk backwards from the anchor so the last close equals it
	for i := limit - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + rng.NormFloat64()*0.01)
	}
	out := make([]Candle, limit)
	for i := range out {
		open := closes[i]
		if i > 0 {
			open = closes[i-1]
		}
		wick := math.Abs(rng.NormFloat64()) * 0.003
		openTime := end.Add(-time.Duration(limit-i) * step)
		out[i] = Candle{
			OpenTime:  openTime.UnixMilli(),
			CloseTime: openTime.Add(step).UnixMilli() - 1,
			Open:      open,
			High:      math.Max(open, closes[i]) * (1 + wick),
			Low:       math.Min(open, closes[i]) * (1 - wick),
			Close:     closes[i],
			Volume:    1000 * (1 + rng.Float64()),
		}
	}
	return out, nil
}

func (s *Synthetic) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return s.anchor(symbol), nil
}

func seed(symbol string, at time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return int64(h.Sum64()) ^ at.Unix()
}
