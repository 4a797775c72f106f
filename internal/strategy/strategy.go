package strategy

import (
	"strings"
)

// Config is one named strategy: the prompt the decision engine receives plus the market view it expects.
type Config struct {
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description" json:"description,omitempty"`
	Prompt           string   `yaml:"prompt" json:"prompt"`
	UserTemplate     string   `yaml:"user_template" json:"user_template,omitempty"`
	ReflectionPrompt string   `yaml:"reflection_prompt" json:"reflection_prompt,omitempty"`
	Timeframe        string   `yaml:"timeframe" json:"timeframe"`
	Lookback         int      `yaml:"lookback" json:"lookback"`
	Indicators       []string `yaml:"indicators" json:"indicators"`
}

const DefaultName = "default"

var defaultIndicators = []string{"sma20", "sma50", "ema20", "ema50", "rsi14", "macd", "bb20"}

const defaultPrompt = `You are a disciplined trading analyst. Using the technical summary and open positions,
recommend BUY, SELL or HOLD for the asset. Prefer HOLD when signals conflict. Size positions
as a percentage of equity and always give protective stop-loss and take-profit percentages.`

const defaultReflectionPrompt = `You review your own recent trades. Be candid about what worked,
what did not, and list concrete improvements for the next trades.`

// Default is used when no strategy file is present.
func Default() Config {
	return Config{
		Name:             DefaultName,
		Description:      "built-in trend and momentum strategy",
		Prompt:           defaultPrompt,
		ReflectionPrompt: defaultReflectionPrompt,
		Timeframe:        "1h",
		Lookback:         30,
		Indicators:       append([]string(nil), defaultIndicators...),
	}
}

// normalize fills unset fields from the built-in strategy.
func normalize(name string, c Config) Config {
	def := Default()
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = strings.TrimSpace(name)
	}
	c.Prompt = strings.TrimSpace(c.Prompt)
	if c.Prompt == "" {
		c.Prompt = def.Prompt
	}
	if strings.TrimSpace(c.ReflectionPrompt) == "" {
		c.ReflectionPrompt = def.ReflectionPrompt
	}
	c.Timeframe = strings.TrimSpace(c.Timeframe)
	if c.Timeframe == "" {
		c.Timeframe = def.Timeframe
	}
	if c.Lookback <= 0 {
		c.Lookback = def.Lookback
	}
	if len(c.Indicators) == 0 {
		c.Indicators = def.Indicators
	}
	for i, ind := range c.Indicators {
		c.Indicators[i] = strings.ToLower(strings.TrimSpace(ind))
	}
	return c
}
