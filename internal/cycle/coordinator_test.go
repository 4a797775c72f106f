package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeloop/internal/broker"
	"tradeloop/internal/decision"
	"tradeloop/internal/ledger"
	"tradeloop/internal/market"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeMarket struct {
	closes []float64
	err    error
}

func (f *fakeMarket) History(ctx context.Context, symbol string, lookback int, timeframe string) (market.Series, error) {
	if f.err != nil {
		return market.Series{}, f.err
	}
	candles := make(market.Candles, len(f.closes))
	for i, c := range f.closes {
		candles[i] = market.Candle{OpenTime: int64(i+1) * 3_600_000, Open: c, High: c, Low: c, Close: c}
	}
	return market.Series{Symbol: symbol, Timeframe: timeframe, Candles: candles.Tail(lookback), Indicators: market.ComputeIndicators(candles), Source: "fake"}, nil
}

// steppedPrices returns the first price once, then the second forever.
type steppedPrices struct {
	mu          sync.Mutex
	first, next float64
	used        bool
}

func (p *steppedPrices) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used {
		p.used = true
		return p.first, nil
	}
	return p.next, nil
}

type fixedEngine struct {
	d decision.Decision
}

func (e fixedEngine) Decide(ctx context.Context, req decision.Request) decision.Decision { return e.d }

func (e fixedEngine) Reflect(ctx context.Context, req decision.ReflectRequest) decision.Reflection {
	return decision.Reflection{}
}

type MockEngine struct{ mock.Mock }

func (m *MockEngine) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(decision.Decision), args.Error(1)
}

func (m *MockEngine) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(decision.Reflection), args.Error(1)
}

type MockReflections struct{ mock.Mock }

func (m *MockReflections) MaybeTrigger(ctx context.Context, asset store.Asset) bool {
	return m.Called(ctx, asset).Bool(0)
}

type failingBroker struct {
	broker.Broker
}

func (f failingBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Execution, error) {
	return broker.Execution{Status: "rejected"}, errors.New("insufficient buying power")
}

type env struct {
	store  *store.Store
	ledger *ledger.Ledger
	asset  store.Asset
	deps   Deps
}

func closes(n int, last float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = last - float64(n-1-i)*0.5
	}
	return out
}

func newEnv(t *testing.T, d decision.Decision) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	asset := store.Asset{Symbol: "XUSDT", IntervalSeconds: 300, Active: true, MaxPositionPct: 50}
	require.NoError(t, st.CreateAsset(context.Background(), &asset))
	l := ledger.New(st)
	return &env{
		store:  st,
		ledger: l,
		asset:  asset,
		deps: Deps{
			Market: &fakeMarket{closes: closes(30, 100)},
			Engine: fixedEngine{d: d},
			Broker: broker.NewPaper(&steppedPrices{first: 100, next: 101}, 10000, 0),
			Store:  st,
			Ledger: l,
			Stats:  stats.NewAggregator(st, st, l),
			Clock:  scheduler.NewManualClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)),
		},
	}
}

func pct(v float64) *float64 { return &v }

func TestBuyCycleEndToEnd(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Buy, SizingPct: 10, StopLossPct: pct(2), TakeProfitPct: pct(4), Reasoning: "breakout"})
	c := New(e.deps, Config{})
	var broadcasts int
	c.OnComplete(func(context.Context, Result) { broadcasts++ })

	res := c.Run(context.Background(), e.asset)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, broadcasts)
	require.NotNil(t, res.Trade)
	assert.Equal(t, store.ActionBuy, res.Trade.Action)
	assert.Equal(t, 10.0, res.Trade.Quantity)
	assert.Equal(t, store.TradeOpen, res.Trade.Status)

	ctx := context.Background()
	positions, err := e.store.OpenPositions(ctx, e.asset.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, store.SideLong, positions[0].Side)
	assert.Equal(t, 10.0, positions[0].Quantity)

	trades, err := e.store.OpenTrades(ctx, e.asset.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	entry, ok, err := e.ledger.Get(ctx, e.asset.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, entry.Unrealized)
	assert.Equal(t, 1, res.Stats.ExecutedTrades)
}

func TestDecisionFailureRecordsHold(t *testing.T) {
	e := newEnv(t, decision.Decision{})
	engine := new(MockEngine)
	engine.On("Decide", mock.Anything, mock.Anything).Return(decision.Decision{}, errors.New("model down"))
	e.deps.Engine = decision.NewGuard(engine, nil)

	res := New(e.deps, Config{}).Run(context.Background(), e.asset)
	require.True(t, res.Success)
	require.NotNil(t, res.Trade)
	assert.Equal(t, store.ActionHold, res.Trade.Action)
	assert.Zero(t, res.Trade.Quantity)
	assert.Zero(t, res.Trade.Pnl)
	assert.True(t, res.Decision.Fallback)

	trades, err := e.store.Trades(context.Background(), e.asset.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestMarketFailureFailsCycle(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Buy, SizingPct: 10})
	e.deps.Market = &fakeMarket{err: market.ErrDataUnavailable}

	res := New(e.deps, Config{}).Run(context.Background(), e.asset)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "market data")
	trades, err := e.store.Trades(context.Background(), e.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecutionFailureRecordsFailedTrade(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Buy, SizingPct: 10})
	e.deps.Broker = failingBroker{Broker: e.deps.Broker}

	res := New(e.deps, Config{}).Run(context.Background(), e.asset)
	assert.True(t, res.Success)
	assert.Contains(t, res.Error, "insufficient buying power")
	require.NotNil(t, res.Trade)
	assert.Equal(t, store.TradeFailed, res.Trade.Status)
	assert.Contains(t, string(res.Trade.Execution), "rejected")

	positions, err := e.store.OpenPositions(context.Background(), e.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSizingClampedToAssetLimit(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Sell, SizingPct: 90})
	res := New(e.deps, Config{}).Run(context.Background(), e.asset)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 50.0, res.Trade.Quantity)
	assert.Equal(t, store.ActionSell, res.Trade.Action)
}

func TestReducingTradeEstimatesPnlAndLeavesSnapshot(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Sell, SizingPct: 5})
	ctx := context.Background()
	_, err := e.store.MergeOpenPosition(ctx, store.PositionSnapshot{AssetID: e.asset.ID, Symbol: "XUSDT", Side: store.SideLong, Quantity: 8, AvgEntryPrice: 90})
	require.NoError(t, err)

	res := New(e.deps, Config{}).Run(ctx, e.asset)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 5.0, res.Trade.Quantity)
	assert.Equal(t, 50.0, res.Trade.Pnl)

	positions, err := e.store.OpenPositions(ctx, e.asset.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, store.SideLong, positions[0].Side)
	assert.Equal(t, 8.0, positions[0].Quantity)
}

func TestReflectionTriggeredAfterExecutedTrade(t *testing.T) {
	e := newEnv(t, decision.Decision{Action: decision.Buy, SizingPct: 1})
	refl := new(MockReflections)
	refl.On("MaybeTrigger", mock.Anything, mock.MatchedBy(func(a store.Asset) bool { return a.ID == e.asset.ID })).Return(true).Once()
	e.deps.Reflections = refl

	res := New(e.deps, Config{}).Run(context.Background(), e.asset)
	require.True(t, res.Success)
	assert.True(t, res.Reflecting)
	refl.AssertExpectations(t)

	e.deps.Engine = fixedEngine{d: decision.HoldDecision("flat")}
	res = New(e.deps, Config{}).Run(context.Background(), e.asset)
	require.True(t, res.Success)
	assert.False(t, res.Reflecting)
	refl.AssertNumberOfCalls(t, "MaybeTrigger", 1)
}

func TestQuantity(t *testing.T) {
	assert.Equal(t, 10.0, quantity(10000, 10, 100))
	assert.Equal(t, 0.333333, quantity(1000, 10, 300))
	assert.Zero(t, quantity(0, 10, 100))
	assert.Zero(t, quantity(1000, 10, 0))
}

func TestNextHint(t *testing.T) {
	assert.Zero(t, Result{}.NextHint())
	assert.Equal(t, 90*time.Second, Result{Decision: decision.Decision{NextCycleSeconds: 90}}.NextHint())
}
