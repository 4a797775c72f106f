package app

import (
	"fmt"
	"strings"

	"tradeloop/internal/broker"
	"tradeloop/internal/config"
	"tradeloop/internal/logger"
	"tradeloop/internal/notifier"
)

func buildBroker(cfg config.BrokerConfig, prices broker.PriceSource) (broker.Broker, error) {
	var inner broker.Broker
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "paper":
		inner = broker.NewPaper(prices, cfg.PaperEquity, cfg.PaperFeeRate)
	case "alpaca":
		a, err := broker.NewAlpaca(broker.AlpacaConfig{
			BaseURL:       cfg.APIURL,
			KeyID:         cfg.KeyID,
			SecretKey:     cfg.SecretKey,
			Timeout:       cfg.Timeout(),
			RatePerSecond: cfg.RatePerSecond,
		})
		if err != nil {
			return nil, err
		}
		inner = a
	default:
		return nil, fmt.Errorf("unsupported broker mode %q", cfg.Mode)
	}
	return broker.WithTimeout(inner, cfg.Timeout()), nil
}

// buildNotifier returns nil unless Telegram is enabled and configured.
func buildNotifier(cfg config.NotifyConfig) *notifier.Notifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return nil
	}
	sender := notifier.NewTelegram(tg.BotToken, tg.ChatID)
	if sender.BotToken == "" || sender.ChatID == "" {
		logger.Warnf("telegram enabled but bot_token/chat_id missing, notifications off")
		return nil
	}
	return notifier.New(sender)
}
