package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAsset(t *testing.T, s *Store, symbol string) Asset {
	t.Helper()
	a := Asset{Symbol: symbol, IntervalSeconds: 300, Active: true, MaxPositionPct: 10}
	require.NoError(t, s.CreateAsset(context.Background(), &a))
	return a
}

func TestAssetLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAsset(t, s, " btcusdt ")
	assert.Equal(t, "BTCUSDT", a.Symbol)

	got, err := s.GetAssetBySymbol(ctx, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	interval := 60
	paused := true
	updated, err := s.UpdateAsset(ctx, a.ID, AssetPatch{IntervalSeconds: &interval, Paused: &paused})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.IntervalSeconds)
	assert.True(t, updated.Paused)

	bad := 0
	_, err = s.UpdateAsset(ctx, a.ID, AssetPatch{IntervalSeconds: &bad})
	assert.Error(t, err)

	require.NoError(t, s.DeactivateAsset(ctx, a.ID))
	active, err := s.ListAssets(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListAssets(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1, "deactivated assets are kept")

	_, err = s.GetAsset(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSeedAssetsKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAsset(t, s, "ETHUSDT")
	err := s.SeedAssets(ctx, []Asset{
		{Symbol: "ethusdt", IntervalSeconds: 10, Active: true},
		{Symbol: "SOLUSDT", IntervalSeconds: 900, Active: true},
	})
	require.NoError(t, err)
	eth, err := s.GetAssetBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 300, eth.IntervalSeconds)
	sol, err := s.GetAssetBySymbol(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, 900, sol.IntervalSeconds)
}

func TestCloseTradesIsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAsset(t, s, "BTCUSDT")
	tr := TradeEvent{AssetID: a.ID, Symbol: a.Symbol, Action: ActionBuy, Quantity: 1, Price: 100}
	require.NoError(t, s.InsertTrade(ctx, &tr))
	hold := TradeEvent{AssetID: a.ID, Symbol: a.Symbol, Action: ActionHold}
	require.NoError(t, s.InsertTrade(ctx, &hold))

	open, err := s.OpenTrades(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, open, 1, "HOLD rows are never open positions")

	at := time.Now().UTC()
	n, err := s.CloseTrades(ctx, []TradeClose{{ID: tr.ID, Pnl: 12.5}}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.CloseTrades(ctx, []TradeClose{{ID: tr.ID, Pnl: 99}}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	trades, err := s.Trades(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, TradeClosed, trades[0].Status)
	assert.Equal(t, 12.5, trades[0].Pnl)
}

func TestCountExecutedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAsset(t, s, "BTCUSDT")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []TradeEvent{
		{Action: ActionBuy, CreatedAt: base.Add(time.Minute)},
		{Action: ActionHold, CreatedAt: base.Add(2 * time.Minute)},
		{Action: ActionSell, Status: TradeFailed, CreatedAt: base.Add(3 * time.Minute)},
		{Action: ActionSell, CreatedAt: base.Add(4 * time.Minute)},
		{Action: ActionBuy, CreatedAt: base.Add(-time.Minute)},
	}
	for i := range rows {
		rows[i].AssetID = a.ID
		require.NoError(t, s.InsertTrade(ctx, &rows[i]))
	}
	n, err := s.CountExecutedSince(ctx, a.ID, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMergeAndSyncPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAsset(t, s, "BTCUSDT")

	_, err := s.MergeOpenPosition(ctx, PositionSnapshot{AssetID: a.ID, Side: SideLong, Quantity: 1, AvgEntryPrice: 100})
	require.NoError(t, err)
	merged, err := s.MergeOpenPosition(ctx, PositionSnapshot{AssetID: a.ID, Side: SideLong, Quantity: 1, AvgEntryPrice: 110})
	require.NoError(t, err)
	assert.Equal(t, 2.0, merged.Quantity)
	assert.InDelta(t, 105.0, merged.AvgEntryPrice, 1e-9)

	open, err := s.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.SyncOpenPosition(ctx, PositionSnapshot{AssetID: a.ID, Side: SideShort, Quantity: 3, AvgEntryPrice: 90}))
	open, err = s.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, SideShort, open[0].Side)

	require.NoError(t, s.ClosePositions(ctx, a.ID, "", time.Now().UTC()))
	open, err = s.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHistoryChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(ctx, &HistorySample{AssetID: 1, Timestamp: base.Add(time.Duration(i) * time.Minute), TotalPnl: float64(i)}))
	}
	got, err := s.History(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{got[0].TotalPnl, got[1].TotalPnl, got[2].TotalPnl})
}
