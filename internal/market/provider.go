package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/circuit"
)

// Series is what a cycle needs from market data.
type Series struct {
	Symbol     string     `json:"symbol"`
	Timeframe  string     `json:"timeframe"`
	Candles    Candles    `json:"candles"`
	Indicators Indicators `json:"indicators"`
	Source     string     `json:"source"`
	Stale      bool       `json:"stale,omitempty"`
	Synthetic  bool       `json:"synthetic,omitempty"`
}

func (s Series) LastPrice() float64 {
	if last, ok := s.Candles.Last(); ok {
		return last.Close
	}
	return 0
}

type guardedSource struct {
	src     Source
	breaker *circuit.Breaker
}

type ProviderConfig struct {
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Provider walks a fallback chain: live sources in order, the last good series, then synthetic data.
type Provider struct {
	sources   []guardedSource
	synthetic *Synthetic
	timeout   time.Duration

	mu     sync.RWMutex
	cache  map[string]Candles
	prices map[string]float64
}

// NewProvider builds the chain; synthetic may be nil to disable the last resort.
func NewProvider(cfg ProviderConfig, synthetic *Synthetic, sources ...Source) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}
	p := &Provider{
		synthetic: synthetic,
		timeout:   cfg.Timeout,
		cache:     make(map[string]Candles),
		prices:    make(map[string]float64),
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		p.sources = append(p.sources, guardedSource{
			src:     src,
			breaker: circuit.New("market/"+src.Name(), cfg.BreakerFailures, cfg.BreakerCooldown),
		})
	}
	return p
}

func cacheKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToLower(timeframe)
}

// History returns lookback candles plus indicators computed over an extra warmup window.
func (p *Provider) History(ctx context.Context, symbol string, lookback int, timeframe string) (Series, error) {
	if lookback <= 0 {
		lookback = 30
	}
	limit := lookback + Warmup
	series := Series{Symbol: strings.ToUpper(symbol), Timeframe: timeframe}
	var errs []error
	for _, g := range p.sources {
		var candles []Candle
		err := g.breaker.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			var err error
			candles, err = g.src.History(callCtx, symbol, timeframe, limit)
			if err == nil && len(candles) == 0 {
				err = errors.New("empty history")
			}
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.src.Name(), err))
			continue
		}
		p.remember(symbol, timeframe, candles)
		series.Source = g.src.Name()
		return p.finish(series, candles, lookback), nil
	}
	if len(p.sources) > 0 {
		logger.Warnf("market: live history for %s failed: %v", symbol, errors.Join(errs...))
	}

	p.mu.RLock()
	cached, ok := p.cache[cacheKey(symbol, timeframe)]
	p.mu.RUnlock()
	if ok && len(cached) > 0 {
		series.Source = "cache"
		series.Stale = true
		return p.finish(series, cached, lookback), nil
	}

	if p.synthetic != nil {
		candles, err := p.synthetic.History(ctx, symbol, timeframe, limit)
		if err == nil && len(candles) > 0 {
			series.Source = SyntheticName
			series.Synthetic = true
			return p.finish(series, candles, lookback), nil
		}
		errs = append(errs, fmt.Errorf("synthetic: %w", err))
	}
	return Series{}, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, symbol, errors.Join(errs...))
}

func (p *Provider) finish(series Series, candles Candles, lookback int) Series {
	series.Indicators = ComputeIndicators(candles)
	series.Candles = candles.Tail(lookback)
	return series
}

func (p *Provider) remember(symbol, timeframe string, candles Candles) {
	p.mu.Lock()
	p.cache[cacheKey(symbol, timeframe)] = candles
	if last, ok := candles.Last(); ok {
		p.prices[strings.ToUpper(symbol)] = last.Close
	}
	p.mu.Unlock()
	if last, ok := candles.Last(); ok && p.synthetic != nil {
		p.synthetic.Anchor(symbol, last.Close)
	}
}

// LatestPrice follows the same chain as History.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	var errs []error
	for _, g := range p.sources {
		var price float64
		err := g.breaker.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			var err error
			price, err = g.src.LatestPrice(callCtx, symbol)
			if err == nil && price <= 0 {
				err = errors.New("non-positive price")
			}
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.src.Name(), err))
			continue
		}
		p.mu.Lock()
		p.prices[strings.ToUpper(symbol)] = price
		p.mu.Unlock()
		if p.synthetic != nil {
			p.synthetic.Anchor(symbol, price)
		}
		return price, nil
	}
	p.mu.RLock()
	cached, ok := p.prices[strings.ToUpper(symbol)]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if p.synthetic != nil {
		return p.synthetic.LatestPrice(ctx, symbol)
	}
	return 0, fmt.Errorf("%w: price %s: %w", ErrDataUnavailable, symbol, errors.Join(errs...))
}
