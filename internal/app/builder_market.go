package app

import (
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/config"
	"tradeloop/internal/gateway/binance"
	"tradeloop/internal/market"
)

// buildMarketProvider assembles the fallback chain: the configured live source first,
// then the last good series, then synthetic candles when enabled.
func buildMarketProvider(cfg config.MarketConfig) (*market.Provider, error) {
	var synthetic *market.Synthetic
	if cfg.Synthetic || strings.EqualFold(cfg.Source, "synthetic") {
		synthetic = market.NewSynthetic(cfg.SyntheticSeed)
	}
	var sources []market.Source
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "binance":
		src, err := binance.New(binance.Config{
			RESTBaseURL: cfg.RESTBaseURL,
			HTTPTimeout: cfg.Timeout(),
			ProxyURL:    cfg.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("binance source: %w", err)
		}
		sources = append(sources, src)
	case "synthetic":
	default:
		return nil, fmt.Errorf("unsupported market source %q", cfg.Source)
	}
	return market.NewProvider(market.ProviderConfig{
		Timeout:         cfg.Timeout(),
		BreakerFailures: cfg.BreakerFails,
		BreakerCooldown: time.Duration(cfg.BreakerSeconds) * time.Second,
	}, synthetic, sources...), nil
}
