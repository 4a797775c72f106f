package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/config"
	"tradeloop/internal/decision"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/store"
)

type buyEngine struct{}

func (buyEngine) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	return decision.Decision{Action: decision.Buy, Reasoning: "trend up", SizingPct: 10}, nil
}

func (buyEngine) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	return decision.Reflection{Text: "fine"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		App:     config.AppConfig{LogLevel: "error", HTTPAddr: "127.0.0.1:0"},
		Storage: config.StorageConfig{DBPath: filepath.Join(dir, "db", "main.db"), AuditPath: filepath.Join(dir, "db", "audit.db")},
		Market:  config.MarketConfig{Source: "synthetic", Synthetic: true, SyntheticSeed: 100, Lookback: 30, Timeframe: "1h", TimeoutSeconds: 5},
		Broker:  config.BrokerConfig{Mode: "paper", PaperEquity: 10000, TimeoutSeconds: 5},
		Engine: config.EngineConfig{
			FailureBackoffSeconds:    60,
			ReconcileIntervalSeconds: 30,
			ReflectionThreshold:      10,
			LeaseFactor:              2,
			MinHintSeconds:           5,
		},
		Assets: []config.AssetSeed{
			{Symbol: "BTCUSDT", IntervalSeconds: 300, MaxPositionPct: 50},
			{Symbol: "ETHUSDT", IntervalSeconds: 120, MaxPositionPct: 50},
		},
	}
}

func build(t *testing.T, cfg *config.Config, opts ...AppBuilderOption) *App {
	t.Helper()
	a, err := NewAppBuilder(cfg, opts...).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func assetID(t *testing.T, a *App, symbol string) uint {
	t.Helper()
	asset, err := a.store.GetAssetBySymbol(context.Background(), symbol)
	require.NoError(t, err)
	return asset.ID
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestBuildRejectsUnknownBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Mode = "ftx"
	_, err := NewAppBuilder(cfg).Build(context.Background())
	assert.ErrorContains(t, err, "broker")
}

func TestManualCycleWithAIDisabledHolds(t *testing.T) {
	a := build(t, testConfig(t))
	id := assetID(t, a, "BTCUSDT")

	rec := post(t, a.Handler(), "/api/assets/"+itoa(id)+"/cycle")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	trades, err := a.store.RecentTrades(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, store.ActionHold, trades[0].Action)
	assert.Equal(t, store.TradeClosed, trades[0].Status)
}

func TestManualCycleExecutesOnPaperBroker(t *testing.T) {
	a := build(t, testConfig(t), WithEngine(func(config.AIConfig) (decision.Engine, error) {
		return buyEngine{}, nil
	}))
	id := assetID(t, a, "BTCUSDT")

	rec := post(t, a.Handler(), "/api/assets/"+itoa(id)+"/cycle")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Result struct {
			Success bool `json:"success"`
			Trade   struct {
				Action   string  `json:"action"`
				Quantity float64 `json:"quantity"`
				Status   string  `json:"status"`
			} `json:"trade"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Result.Success)
	assert.Equal(t, "BUY", body.Result.Trade.Action)
	assert.Equal(t, "open", body.Result.Trade.Status)
	assert.Positive(t, body.Result.Trade.Quantity)

	positions, err := a.store.OpenPositions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, store.SideLong, positions[0].Side)

	logs, err := a.audit.ListDecisions(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestAutostartPinsLoops(t *testing.T) {
	cfg := testConfig(t)
	clock := scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := build(t, cfg, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	btc, eth := assetID(t, a, "BTCUSDT"), assetID(t, a, "ETHUSDT")
	require.NoError(t, a.startAll(ctx))
	assert.True(t, a.loops.Running(btc))
	assert.True(t, a.loops.Running(eth))

	a.loops.Stop(btc)
	assert.True(t, a.loops.Running(btc), "pinned loops survive the last unsubscribe")

	a.runner.Stop(eth)
	assert.False(t, a.loops.Running(eth))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	a.runner.StopAll(stopCtx)
}

func TestSummaryListsAssets(t *testing.T) {
	a := build(t, testConfig(t))
	out := a.Summary.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "ETHUSDT")
	assert.Contains(t, out, "broker: paper")
	assert.Contains(t, out, "ai disabled")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
