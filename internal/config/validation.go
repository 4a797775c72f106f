package config

import (
	"errors"
	"fmt"
	"strings"

	"tradeloop/internal/scheduler"
)

// validate 对配置进行基础校验，一次性返回全部问题。
func validate(c *Config) error {
	var errs []error
	if _, ok := scheduler.ParseIntervalDuration(c.Market.Timeframe); !ok {
		errs = append(errs, fmt.Errorf("market.timeframe %q is not a valid timeframe", c.Market.Timeframe))
	}
	switch c.Market.Source {
	case "binance", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("market.source must be binance or synthetic, got %q", c.Market.Source))
	}
	if c.AI.Enabled && strings.TrimSpace(c.AI.APIKey) == "" {
		errs = append(errs, fmt.Errorf("ai.api_key is required when ai.enabled=true"))
	}
	switch c.Broker.Mode {
	case "paper":
	case "alpaca":
		if c.Broker.KeyID == "" || c.Broker.SecretKey == "" {
			errs = append(errs, fmt.Errorf("broker.key_id and broker.secret_key are required for alpaca"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.mode must be paper or alpaca, got %q", c.Broker.Mode))
	}
	if c.Engine.LeaseFactor < 0 {
		errs = append(errs, fmt.Errorf("engine.lease_factor must be >= 0"))
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		errs = append(errs, fmt.Errorf("notify.telegram requires bot_token and chat_id"))
	}
	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			errs = append(errs, fmt.Errorf("assets[%d].symbol is required", i))
			continue
		}
		if seen[a.Symbol] {
			errs = append(errs, fmt.Errorf("assets[%d].symbol %s is duplicated", i, a.Symbol))
		}
		seen[a.Symbol] = true
		if a.IntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("assets[%d].interval_seconds must be > 0", i))
		}
		if a.MaxPositionPct > 100 {
			errs = append(errs, fmt.Errorf("assets[%d].max_position_pct must be <= 100", i))
		}
	}
	return errors.Join(errs...)
}
