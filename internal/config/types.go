package config

import (
	"strings"
	"time"
)

// Config 是 tradeloop 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Storage StorageConfig `toml:"storage"`
	Market  MarketConfig  `toml:"market"`
	AI      AIConfig      `toml:"ai"`
	Broker  BrokerConfig  `toml:"broker"`
	Engine  EngineConfig  `toml:"engine"`
	Notify  NotifyConfig  `toml:"notify"`
	Assets  []AssetSeed   `toml:"assets"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// StorageConfig 指定主库与审计库的位置。
type StorageConfig struct {
	DBPath    string `toml:"db_path"`
	AuditPath string `toml:"audit_path"`
}

// MarketConfig 描述行情来源以及回退链。
type MarketConfig struct {
	Source         string  `toml:"source"` // "binance" | "synthetic"
	RESTBaseURL    string  `toml:"rest_base_url"`
	ProxyURL       string  `toml:"proxy_url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	Lookback       int     `toml:"lookback"`
	Warmup         int     `toml:"warmup"`
	Timeframe      string  `toml:"timeframe"`
	Synthetic      bool    `toml:"synthetic_fallback"`
	SyntheticSeed  float64 `toml:"synthetic_seed_price"`
	BreakerFails   int     `toml:"breaker_failures"`
	BreakerSeconds int     `toml:"breaker_cooldown_seconds"`
}

func (m MarketConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// AIConfig 描述 OpenAI 兼容的决策服务。
type AIConfig struct {
	Enabled        bool              `toml:"enabled"`
	APIURL         string            `toml:"api_url"`
	APIKey         string            `toml:"api_key"`
	Model          string            `toml:"model"`
	Headers        map[string]string `toml:"headers"`
	Temperature    float64           `toml:"temperature"`
	MaxTokens      int               `toml:"max_tokens"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	RatePerMinute  int               `toml:"rate_per_minute"`
	StrategyPath   string            `toml:"strategy_path"`
}

func (a AIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// BrokerConfig 控制下单通道：paper 为本地模拟撮合，alpaca 走 REST。
type BrokerConfig struct {
	Mode           string  `toml:"mode"`
	APIURL         string  `toml:"api_url"`
	KeyID          string  `toml:"key_id"`
	SecretKey      string  `toml:"secret_key"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	PaperEquity    float64 `toml:"paper_equity"`
	PaperFeeRate   float64 `toml:"paper_fee_rate"`
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// EngineConfig 汇总调度、对账与复盘相关参数。
type EngineConfig struct {
	DefaultIntervalSeconds   int     `toml:"default_interval_seconds"`
	FailureBackoffSeconds    int     `toml:"failure_backoff_seconds"`
	ReconcileIntervalSeconds int     `toml:"reconcile_interval_seconds"`
	ReflectionThreshold      int     `toml:"reflection_threshold"`
	LeaseFactor              float64 `toml:"lease_factor"`
	MinHintSeconds           int     `toml:"min_hint_seconds"`
	FeedLimit                int     `toml:"feed_limit"`
	ChartLimit               int     `toml:"chart_limit"`
	Autostart                bool    `toml:"autostart"`
}

func (e EngineConfig) FailureBackoff() time.Duration {
	return time.Duration(e.FailureBackoffSeconds) * time.Second
}

func (e EngineConfig) ReconcileInterval() time.Duration {
	return time.Duration(e.ReconcileIntervalSeconds) * time.Second
}

func (e EngineConfig) MinHint() time.Duration {
	return time.Duration(e.MinHintSeconds) * time.Second
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// AssetSeed 在启动时写入 assets 表（已存在的 symbol 不会被覆盖）。
type AssetSeed struct {
	Symbol          string  `toml:"symbol"`
	IntervalSeconds int     `toml:"interval_seconds"`
	MaxPositionPct  float64 `toml:"max_position_pct"`
	StopLossPct     float64 `toml:"stop_loss_pct"`
	TakeProfitPct   float64 `toml:"take_profit_pct"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
