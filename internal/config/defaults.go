package config

import "strings"

const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppLogFormat  = "text"
	defaultAppLogPath    = "data/logs/tradeloop.log"
	defaultAppHTTPAddr   = ":9991"
	defaultDBPath        = "data/db/tradeloop.db"
	defaultAuditPath     = "data/db/audit.db"
	defaultMarketSource  = "binance"
	defaultMarketREST    = "https://fapi.binance.com"
	defaultMarketTimeout = 10
	defaultLookback      = 30
	defaultWarmup        = 50
	defaultTimeframe     = "1h"
	defaultSeedPrice     = 100
	defaultBreakerFails  = 3
	defaultBreakerCool   = 120
	defaultAIURL         = "https://api.openai.com/v1"
	defaultAIModel       = "gpt-4o"
	defaultAITemperature = 0.2
	defaultAIMaxTokens   = 600
	defaultAITimeout     = 60
	defaultAIRate        = 30
	defaultStrategyPath  = "configs/strategy.yaml"
	defaultBrokerMode    = "paper"
	defaultBrokerURL     = "https://paper-api.alpaca.markets"
	defaultBrokerTimeout = 10
	defaultBrokerRate    = 3
	defaultPaperEquity   = 10000
	defaultInterval      = 300
	defaultBackoff       = 60
	defaultReconcile     = 30
	defaultReflectEvery  = 10
	defaultLeaseFactor   = 2
	defaultMinHint       = 5
	defaultFeedLimit     = 20
	defaultChartLimit    = 100
	defaultMaxPosition   = 10
)

// applyDefaults 为所有子配置应用默认值，只填充未显式设置的字段。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	for i := range c.Assets {
		c.Assets[i].applyDefaults(c.Engine)
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("storage.db_path", &s.DBPath, defaultDBPath),
		stringFieldDefault("storage.audit_path", &s.AuditPath, defaultAuditPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		stringFieldDefault("market.timeframe", &m.Timeframe, defaultTimeframe),
		intFieldDefault("market.timeout_seconds", &m.TimeoutSeconds, defaultMarketTimeout),
		intFieldDefault("market.lookback", &m.Lookback, defaultLookback),
		intFieldDefault("market.warmup", &m.Warmup, defaultWarmup),
		intFieldDefault("market.breaker_failures", &m.BreakerFails, defaultBreakerFails),
		intFieldDefault("market.breaker_cooldown_seconds", &m.BreakerSeconds, defaultBreakerCool),
		floatFieldDefault("market.synthetic_seed_price", &m.SyntheticSeed, defaultSeedPrice),
		boolFieldDefault("market.synthetic_fallback", &m.Synthetic, true),
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("ai.api_url", &a.APIURL, defaultAIURL),
		stringFieldDefault("ai.model", &a.Model, defaultAIModel),
		stringFieldDefault("ai.strategy_path", &a.StrategyPath, defaultStrategyPath),
		floatFieldDefault("ai.temperature", &a.Temperature, defaultAITemperature),
		intFieldDefault("ai.max_tokens", &a.MaxTokens, defaultAIMaxTokens),
		intFieldDefault("ai.timeout_seconds", &a.TimeoutSeconds, defaultAITimeout),
		intFieldDefault("ai.rate_per_minute", &a.RatePerMinute, defaultAIRate),
		boolFieldDefault("ai.enabled", &a.Enabled, true),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		stringFieldDefault("broker.api_url", &b.APIURL, defaultBrokerURL),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		floatFieldDefault("broker.rate_per_second", &b.RatePerSecond, defaultBrokerRate),
		floatFieldDefault("broker.paper_equity", &b.PaperEquity, defaultPaperEquity),
	)
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("engine.default_interval_seconds", &e.DefaultIntervalSeconds, defaultInterval),
		intFieldDefault("engine.failure_backoff_seconds", &e.FailureBackoffSeconds, defaultBackoff),
		intFieldDefault("engine.reconcile_interval_seconds", &e.ReconcileIntervalSeconds, defaultReconcile),
		intFieldDefault("engine.reflection_threshold", &e.ReflectionThreshold, defaultReflectEvery),
		intFieldDefault("engine.min_hint_seconds", &e.MinHintSeconds, defaultMinHint),
		intFieldDefault("engine.feed_limit", &e.FeedLimit, defaultFeedLimit),
		intFieldDefault("engine.chart_limit", &e.ChartLimit, defaultChartLimit),
		// lease_factor 显式写 0 表示关闭租约，因此只在未设置时补默认。
		fieldDefault{
			key:   "engine.lease_factor",
			apply: func() { e.LeaseFactor = defaultLeaseFactor },
		},
	)
}

func (a *AssetSeed) applyDefaults(engine EngineConfig) {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	if a.IntervalSeconds <= 0 {
		a.IntervalSeconds = engine.DefaultIntervalSeconds
	}
	if a.MaxPositionPct <= 0 {
		a.MaxPositionPct = defaultMaxPosition
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
