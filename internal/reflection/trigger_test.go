package reflection

import (
	"context"
	"testing"
	"time"

	"tradeloop/internal/decision"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEngine struct{ mock.Mock }

func (m *MockEngine) Decide(ctx context.Context, req decision.Request) decision.Decision {
	return m.Called(ctx, req).Get(0).(decision.Decision)
}

func (m *MockEngine) Reflect(ctx context.Context, req decision.ReflectRequest) decision.Reflection {
	return m.Called(ctx, req).Get(0).(decision.Reflection)
}

type MockTrades struct{ mock.Mock }

func (m *MockTrades) RecentTrades(ctx context.Context, assetID uint, limit int) ([]store.TradeEvent, error) {
	args := m.Called(ctx, assetID, limit)
	return args.Get(0).([]store.TradeEvent), args.Error(1)
}

func (m *MockTrades) CountExecutedSince(ctx context.Context, assetID uint, since time.Time) (int64, error) {
	args := m.Called(ctx, assetID, since)
	return args.Get(0).(int64), args.Error(1)
}

type MockStats struct{ mock.Mock }

func (m *MockStats) Compute(ctx context.Context, assetID uint) (stats.Stats, error) {
	args := m.Called(ctx, assetID)
	return args.Get(0).(stats.Stats), args.Error(1)
}

type MockSink struct{ mock.Mock }

func (m *MockSink) InsertReflection(ctx context.Context, rec audit.Reflection) (int64, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSink) LatestReflection(ctx context.Context, assetID uint) (*audit.Reflection, error) {
	args := m.Called(ctx, assetID)
	rec, _ := args.Get(0).(*audit.Reflection)
	return rec, args.Error(1)
}

var btc = store.Asset{ID: 1, Symbol: "BTCUSDT", IntervalSeconds: 300, Active: true}

func trades() []store.TradeEvent {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []store.TradeEvent{
		{ID: 4, Action: store.ActionBuy, Quantity: 2, Status: store.TradeOpen, CreatedAt: t0.Add(4 * time.Hour)},
		{ID: 3, Action: store.ActionSell, Quantity: 1, Pnl: -2, Status: store.TradeClosed, CreatedAt: t0.Add(3 * time.Hour)},
		{ID: 2, Action: store.ActionHold, CreatedAt: t0.Add(2 * time.Hour)},
		{ID: 1, Action: store.ActionBuy, Quantity: 1, Pnl: 5, Status: store.TradeClosed, CreatedAt: t0.Add(time.Hour)},
	}
}

func TestDueCountsSinceLastReflection(t *testing.T) {
	tr := new(MockTrades)
	sink := new(MockSink)
	last := &audit.Reflection{Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sink.On("LatestReflection", mock.Anything, uint(1)).Return(last, nil)
	tr.On("CountExecutedSince", mock.Anything, uint(1), last.Timestamp).Return(int64(2), nil).Once()
	tr.On("CountExecutedSince", mock.Anything, uint(1), last.Timestamp).Return(int64(3), nil).Once()

	trig := New(new(MockEngine), tr, new(MockStats), sink, nil, 3)
	due, err := trig.Due(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, due)
	due, err = trig.Due(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestRunStoresReflection(t *testing.T) {
	engine := new(MockEngine)
	tr := new(MockTrades)
	st := new(MockStats)
	sink := new(MockSink)
	tr.On("RecentTrades", mock.Anything, uint(1), 40).Return(trades(), nil)
	st.On("Compute", mock.Anything, uint(1)).Return(stats.Stats{WinRate: 0.5}, nil)
	engine.On("Reflect", mock.Anything, mock.MatchedBy(func(req decision.ReflectRequest) bool {
		return len(req.Trades) == 2 && req.Trades[0].Pnl == 5 && req.Trades[1].Pnl == -2 && req.Stats.WinRate == 0.5
	})).Return(decision.Reflection{Text: "cut losers faster", Improvements: []string{"tighter stop"}})
	sink.On("InsertReflection", mock.Anything, mock.MatchedBy(func(rec audit.Reflection) bool {
		return rec.Text == "cut losers faster" && !rec.Placeholder && rec.TradeCount == 2
	})).Return(int64(7), nil)

	rec, err := New(engine, tr, st, sink, nil, 10).Run(context.Background(), btc)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID)
	engine.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestRunStoresPlaceholderOnEngineFailure(t *testing.T) {
	engine := new(MockEngine)
	tr := new(MockTrades)
	st := new(MockStats)
	sink := new(MockSink)
	tr.On("RecentTrades", mock.Anything, uint(1), mock.Anything).Return([]store.TradeEvent{}, nil)
	st.On("Compute", mock.Anything, uint(1)).Return(stats.Stats{}, nil)
	engine.On("Reflect", mock.Anything, mock.Anything).Return(decision.Reflection{Text: "reflection unavailable: quota", Fallback: true})
	sink.On("InsertReflection", mock.Anything, mock.MatchedBy(func(rec audit.Reflection) bool {
		return rec.Placeholder && rec.Text == "reflection unavailable: quota"
	})).Return(int64(1), nil)

	rec, err := New(engine, tr, st, sink, nil, 10).Run(context.Background(), btc)
	require.NoError(t, err)
	assert.True(t, rec.Placeholder)
}

func TestMaybeTriggerRunsOncePerAsset(t *testing.T) {
	engine := new(MockEngine)
	tr := new(MockTrades)
	st := new(MockStats)
	sink := new(MockSink)
	release := make(chan struct{})
	sink.On("LatestReflection", mock.Anything, uint(1)).Return(nil, nil)
	tr.On("CountExecutedSince", mock.Anything, uint(1), time.Time{}).Return(int64(10), nil)
	tr.On("RecentTrades", mock.Anything, uint(1), mock.Anything).Return(trades(), nil)
	st.On("Compute", mock.Anything, uint(1)).Return(stats.Stats{}, nil)
	engine.On("Reflect", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(decision.Reflection{Text: "ok"})
	sink.On("InsertReflection", mock.Anything, mock.Anything).Return(int64(1), nil).Once()

	trig := New(engine, tr, st, sink, nil, 10)
	stored := make(chan audit.Reflection, 1)
	trig.OnReflection(func(_ context.Context, rec audit.Reflection) { stored <- rec })

	assert.True(t, trig.MaybeTrigger(context.Background(), btc))
	assert.False(t, trig.MaybeTrigger(context.Background(), btc))
	close(release)
	trig.Wait()

	select {
	case rec := <-stored:
		assert.Equal(t, "ok", rec.Text)
	default:
		t.Fatal("listener not called")
	}
	sink.AssertNumberOfCalls(t, "InsertReflection", 1)
}

func TestRunStampsStartTime(t *testing.T) {
	engine := new(MockEngine)
	tr := new(MockTrades)
	st := new(MockStats)
	sink := new(MockSink)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	tr.On("RecentTrades", mock.Anything, uint(1), mock.Anything).Return(trades(), nil)
	st.On("Compute", mock.Anything, uint(1)).Return(stats.Stats{}, nil)
	engine.On("Reflect", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { now = now.Add(2 * time.Minute) }).
		Return(decision.Reflection{Text: "slow model"})
	sink.On("InsertReflection", mock.Anything, mock.Anything).Return(int64(1), nil)

	trig := New(engine, tr, st, sink, nil, 10)
	trig.nowFn = func() time.Time { return now }
	rec, err := trig.Run(context.Background(), btc)
	require.NoError(t, err)
	assert.Equal(t, start, rec.Timestamp)
	assert.Equal(t, 2, rec.TradeCount)
}
