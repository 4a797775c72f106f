package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func TestGetAbsent(t *testing.T) {
	l, _ := newTestLedger(t)
	_, ok, err := l.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTotalIsRealizedPlusUnrealized(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	e, err := l.MarkUnrealized(ctx, 1, Mark{Unrealized: 12.5, PositionValue: 1000, MarketPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, 12.5, e.Total)

	e, err = l.AddRealized(ctx, 1, 0.1)
	require.NoError(t, err)
	e, err = l.AddRealized(ctx, 1, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.3, e.Realized)
	assert.Equal(t, 12.8, e.Total)

	got, ok, err := l.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Total, got.Total)
	assert.Equal(t, int64(3), got.Version)
}

func TestSettleZeroesUnrealized(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	_, err := l.MarkUnrealized(ctx, 2, Mark{Unrealized: -4})
	require.NoError(t, err)
	e, closed, err := l.Settle(ctx, 2, Settlement{Delta: -4, MarketPrice: 95})
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Equal(t, -4.0, e.Realized)
	assert.Equal(t, 0.0, e.Unrealized)
	assert.Equal(t, -4.0, e.Total)

	hist, err := st.History(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, -4.0, hist[1].RealizedPnl)
	assert.Equal(t, 95.0, hist[1].MarketPrice)
}

func TestUpdateReplaces(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddRealized(ctx, 3, 10)
	require.NoError(t, err)
	e, err := l.Update(ctx, 3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Realized)
	assert.Equal(t, 2.0, e.Unrealized)
	assert.Equal(t, 3.0, e.Total)
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.AddRealized(ctx, 9, 1)
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, err := l.MarkUnrealized(ctx, 9, Mark{Unrealized: float64(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	e, ok, err := l.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, e.Realized)
	assert.Equal(t, int64(40), e.Version)
}

func TestSettleClosesTradesAndPositionsOnce(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	trade := &store.TradeEvent{AssetID: 5, Symbol: "BTCUSDT", Action: store.ActionBuy, Quantity: 1, Price: 100}
	require.NoError(t, st.InsertTrade(ctx, trade))
	_, err := st.MergeOpenPosition(ctx, store.PositionSnapshot{AssetID: 5, Symbol: "BTCUSDT", Side: store.SideLong, Quantity: 1, AvgEntryPrice: 100})
	require.NoError(t, err)
	_, err = l.MarkUnrealized(ctx, 5, Mark{Unrealized: 7})
	require.NoError(t, err)

	settle := Settlement{Delta: 7, MarketPrice: 107, Trades: []store.TradeClose{{ID: trade.ID, Pnl: 7}}}
	e, closed, err := l.Settle(ctx, 5, settle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)
	assert.Equal(t, 7.0, e.Realized)
	assert.Zero(t, e.Unrealized)

	open, err := st.OpenPositions(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, open)
	openTrades, err := st.OpenTrades(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, openTrades)

	_, closed, err = l.Settle(ctx, 5, Settlement{Delta: 0, Trades: settle.Trades})
	require.NoError(t, err)
	assert.Zero(t, closed)
}
