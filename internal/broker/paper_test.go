package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (f *fakePrices) set(sym string, p float64) {
	f.mu.Lock()
	f.prices[sym] = p
	f.mu.Unlock()
}

func (f *fakePrices) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.prices[symbol], nil
}

func newPaper(t *testing.T) (*Paper, *fakePrices) {
	t.Helper()
	prices := &fakePrices{prices: map[string]float64{"BTCUSDT": 100}}
	return NewPaper(prices, 10000, 0), prices
}

func TestPaperOpenGrowAndMark(t *testing.T) {
	p, prices := newPaper(t)
	ctx := context.Background()

	exec, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "btcusdt", Side: OrderBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 100.0, exec.FilledPrice)
	assert.Equal(t, "filled", exec.Status)

	prices.set("BTCUSDT", 120)
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderBuy, Quantity: 1})
	require.NoError(t, err)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, Long, positions[0].Side)
	assert.Equal(t, 2.0, positions[0].Quantity)
	assert.Equal(t, 110.0, positions[0].AvgEntryPrice)
	assert.Equal(t, 20.0, positions[0].UnrealizedPnl)
}

func TestPaperReduceAndFlip(t *testing.T) {
	p, prices := newPaper(t)
	ctx := context.Background()
	_, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderBuy, Quantity: 2})
	require.NoError(t, err)

	prices.set("BTCUSDT", 110)
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderSell, Quantity: 3})
	require.NoError(t, err)

	positions, err := p.GetPositions(ctx, "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, Short, positions[0].Side)
	assert.Equal(t, 1.0, positions[0].Quantity)
	assert.Equal(t, 110.0, positions[0].AvgEntryPrice)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10020.0, acct.Equity)
}

func TestPaperProtectiveLevelsClose(t *testing.T) {
	p, prices := newPaper(t)
	ctx := context.Background()
	_, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderBuy, Quantity: 1, StopLossPct: 2, TakeProfitPct: 4})
	require.NoError(t, err)

	prices.set("BTCUSDT", 103)
	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	prices.set("BTCUSDT", 104)
	positions, err = p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10004.0, acct.Equity)
}

func TestPaperClosePosition(t *testing.T) {
	p, prices := newPaper(t)
	ctx := context.Background()
	_, err := p.ClosePosition(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, ErrExecution))

	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderSell, Quantity: 2})
	require.NoError(t, err)
	prices.set("BTCUSDT", 90)
	exec, err := p.ClosePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, OrderBuy, exec.Side)
	assert.Equal(t, 2.0, exec.FilledQty)
	acct, _ := p.GetAccount(ctx)
	assert.Equal(t, 10020.0, acct.Equity)
}

func TestPaperRejectsBadOrders(t *testing.T) {
	p, prices := newPaper(t)
	ctx := context.Background()
	_, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderBuy, Quantity: 0})
	assert.ErrorIs(t, err, ErrExecution)
	prices.err = errors.New("feed down")
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: OrderBuy, Quantity: 1})
	assert.ErrorIs(t, err, ErrExecution)
}
