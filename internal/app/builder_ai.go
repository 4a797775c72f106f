package app

import (
	"tradeloop/internal/config"
	"tradeloop/internal/decision"
	"tradeloop/internal/gateway/provider"
)

// buildDecisionEngine returns a nil engine when the AI is disabled; the guard then holds every cycle.
func buildDecisionEngine(cfg config.AIConfig) (decision.Engine, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := provider.NewOpenAI(provider.Config{
		BaseURL:       cfg.APIURL,
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		Headers:       cfg.Headers,
		Timeout:       cfg.Timeout(),
		RatePerMinute: cfg.RatePerMinute,
	})
	return decision.NewLLM(client, decision.LLMOptions{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}), nil
}
