// Package cycle runs one fetch, decide, execute, record pass for one asset.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"tradeloop/internal/broker"
	"tradeloop/internal/decision"
	"tradeloop/internal/ledger"
	"tradeloop/internal/logger"
	"tradeloop/internal/market"
	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/pkg/keylock"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/strategy"
)

const (
	DefaultLookback = 30
	qtyPrecision    = 6
)

type MarketData interface {
	History(ctx context.Context, symbol string, lookback int, timeframe string) (market.Series, error)
}

type Store interface {
	OpenPositions(ctx context.Context, assetID uint) ([]store.PositionSnapshot, error)
	InsertTrade(ctx context.Context, t *store.TradeEvent) error
	MergeOpenPosition(ctx context.Context, p store.PositionSnapshot) (store.PositionSnapshot, error)
}

type StatsComputer interface {
	Compute(ctx context.Context, assetID uint) (stats.Stats, error)
}

type ReflectionTrigger interface {
	MaybeTrigger(ctx context.Context, asset store.Asset) bool
}

type StrategySource interface {
	Active() strategy.Config
}

// Result is what a cycle reports; it never carries a Go error past the coordinator.
type Result struct {
	AssetID    uint              `json:"asset_id"`
	Symbol     string            `json:"symbol"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Decision   decision.Decision `json:"decision"`
	Trade      *store.TradeEvent `json:"trade,omitempty"`
	Stats      stats.Stats       `json:"stats"`
	DataSource string            `json:"data_source,omitempty"`
	Reflecting bool              `json:"reflecting,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// NextHint is the decision's requested next-cycle delay, zero when none was given.
func (r Result) NextHint() time.Duration {
	if r.Decision.NextCycleSeconds <= 0 {
		return 0
	}
	return time.Duration(r.Decision.NextCycleSeconds) * time.Second
}

type Listener func(ctx context.Context, res Result)

type Config struct {
	// Lookback and Timeframe override the active strategy when set.
	Lookback  int
	Timeframe string
}

type Deps struct {
	Market      MarketData
	Engine      decision.SafeEngine
	Broker      broker.Broker
	Store       Store
	Ledger      ledger.UnrealizedWriter
	Stats       StatsComputer
	Reflections ReflectionTrigger
	Strategies  StrategySource
	Locks       *keylock.Set[uint]
	Clock       scheduler.Clock
}

type Coordinator struct {
	Deps
	cfg       Config
	listeners []Listener
}

func New(deps Deps, cfg Config) *Coordinator {
	if deps.Locks == nil {
		deps.Locks = keylock.New[uint]()
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.RealClock()
	}
	return &Coordinator{Deps: deps, cfg: cfg}
}

// OnComplete registers fn to run after every cycle, successful or not.
func (c *Coordinator) OnComplete(fn Listener) {
	if fn != nil {
		c.listeners = append(c.listeners, fn)
	}
}

// Run executes one cycle. Failures are logged and reported in the Result.
func (c *Coordinator) Run(ctx context.Context, asset store.Asset) (res Result) {
	res = Result{AssetID: asset.ID, Symbol: asset.Symbol, StartedAt: c.Clock.Now().UTC()}
	defer func() {
		if rec := recover(); rec != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", rec)
			logger.Errorf("cycle %s panic: %v", asset.Symbol, rec)
		}
		res.FinishedAt = c.Clock.Now().UTC()
		for _, fn := range c.listeners {
			fn(ctx, res)
		}
	}()

	if err := c.run(ctx, asset, &res); err != nil {
		res.Success = false
		res.Error = err.Error()
		logger.Errorf("cycle %s failed: %v", asset.Symbol, err)
		return res
	}
	res.Success = true
	return res
}

func (c *Coordinator) run(ctx context.Context, asset store.Asset, res *Result) error {
	strat := strategy.Default()
	if c.Strategies != nil {
		strat = c.Strategies.Active()
	}
	timeframe := strat.Timeframe
	if c.cfg.Timeframe != "" {
		timeframe = c.cfg.Timeframe
	}
	lookback := strat.Lookback
	if c.cfg.Lookback > 0 {
		lookback = c.cfg.Lookback
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	series, err := c.Market.History(ctx, asset.Symbol, lookback, timeframe)
	if err != nil {
		return fmt.Errorf("market data: %w", err)
	}
	res.DataSource = series.Source
	price := series.LastPrice()
	if price <= 0 {
		return fmt.Errorf("market data: %w: no usable price", market.ErrDataUnavailable)
	}

	open, err := c.Store.OpenPositions(ctx, asset.ID)
	if err != nil {
		return err
	}

	d := c.Engine.Decide(ctx, decision.Request{
		AssetID:   asset.ID,
		Symbol:    asset.Symbol,
		Price:     price,
		Summary:   summarize(series, timeframe),
		Positions: toDecisionPositions(open),
		Strategy:  strat,
	})
	res.Decision = d
	logger.Infof("cycle %s: %s sizing=%.2f%% price=%.6g source=%s", asset.Symbol, d.Action, d.SizingPct, price, series.Source)

	if d.Actionable() {
		out, err := c.execute(ctx, asset, d, price, open)
		if err != nil {
			return err
		}
		res.Trade = out.trade
		if out.execErr != nil {
			res.Error = out.execErr.Error()
		}
	} else {
		trade, err := c.recordHold(ctx, asset, d, price)
		if err != nil {
			return err
		}
		res.Trade = trade
	}

	s, err := c.Stats.Compute(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	res.Stats = s

	if c.Reflections != nil && res.Trade != nil && res.Trade.Executed() {
		res.Reflecting = c.Reflections.MaybeTrigger(ctx, asset)
	}
	return nil
}

// outcome is a recorded order attempt; execErr is an order failure already stored as a failed trade.
type outcome struct {
	trade   *store.TradeEvent
	execErr error
}

// execute places the order and records it. The returned error is a persistence failure.
func (c *Coordinator) execute(ctx context.Context, asset store.Asset, d decision.Decision, price float64, open []store.PositionSnapshot) (outcome, error) {
	action := store.ActionBuy
	orderSide := broker.OrderBuy
	if d.Action == decision.Sell {
		action = store.ActionSell
		orderSide = broker.OrderSell
	}
	sizing := d.SizingPct
	if asset.MaxPositionPct > 0 && sizing > asset.MaxPositionPct {
		logger.Infof("cycle %s: sizing %.2f%% clamped to %.2f%%", asset.Symbol, sizing, asset.MaxPositionPct)
		sizing = asset.MaxPositionPct
	}
	stopLoss := asset.StopLossPct
	if d.StopLossPct != nil {
		stopLoss = *d.StopLossPct
	}
	takeProfit := asset.TakeProfitPct
	if d.TakeProfitPct != nil {
		takeProfit = *d.TakeProfitPct
	}

	unlock := c.Locks.Lock(asset.ID)
	defer unlock()

	trade := &store.TradeEvent{
		AssetID:   asset.ID,
		Symbol:    asset.Symbol,
		Action:    action,
		Price:     price,
		Reasoning: d.Reasoning,
		Decision:  toJSON(d),
		CreatedAt: c.Clock.Now().UTC(),
	}

	account, err := c.Broker.GetAccount(ctx)
	if err != nil {
		return c.recordFailure(ctx, trade, fmt.Errorf("%w: account: %w", broker.ErrExecution, err))
	}
	qty := quantity(account.Equity, sizing, price)
	if qty <= 0 {
		return c.recordFailure(ctx, trade, fmt.Errorf("%w: quantity rounds to zero (equity=%.2f sizing=%.2f%%)", broker.ErrExecution, account.Equity, sizing))
	}
	trade.Quantity = qty

	exec, err := c.Broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        asset.Symbol,
		Side:          orderSide,
		Quantity:      qty,
		StopLossPct:   stopLoss,
		TakeProfitPct: takeProfit,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		if exec.Error == "" {
			exec.Error = err.Error()
		}
		trade.Execution = toJSON(exec)
		if !errors.Is(err, broker.ErrExecution) {
			err = fmt.Errorf("%w: %w", broker.ErrExecution, err)
		}
		return c.recordFailure(ctx, trade, err)
	}

	fillPrice, fillQty := price, qty
	if exec.FilledPrice > 0 {
		fillPrice = exec.FilledPrice
	}
	if exec.FilledQty > 0 {
		fillQty = exec.FilledQty
	}
	side := store.SideOf(action)
	opposite := oppositeOf(open, side)
	trade.Quantity = fillQty
	trade.Price = fillPrice
	trade.Notional = convert.Round8(fillQty * fillPrice)
	trade.Pnl = estimatePnl(opposite, fillQty, fillPrice)
	trade.Execution = toJSON(exec)
	trade.Status = store.TradeOpen
	if err := c.Store.InsertTrade(ctx, trade); err != nil {
		return outcome{}, err
	}

	// Reductions of an opposite position are left to the reconciler.
	if opposite == nil {
		if _, err := c.Store.MergeOpenPosition(ctx, store.PositionSnapshot{
			AssetID:       asset.ID,
			Symbol:        asset.Symbol,
			Side:          side,
			Quantity:      fillQty,
			AvgEntryPrice: fillPrice,
			OpenedAt:      trade.CreatedAt,
		}); err != nil {
			return outcome{trade: trade}, err
		}
	}
	c.markUnrealized(ctx, asset, fillPrice)
	logger.Infof("cycle %s: %s %.6f @ %.6g via %s (order %s)", asset.Symbol, action, fillQty, fillPrice, exec.Broker, exec.OrderID)
	return outcome{trade: trade}, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, trade *store.TradeEvent, execErr error) (outcome, error) {
	logger.Warnf("cycle %s: order failed: %v", trade.Symbol, execErr)
	trade.Status = store.TradeFailed
	trade.Pnl = 0
	if len(trade.Execution) == 0 {
		trade.Execution = toJSON(broker.Execution{Symbol: trade.Symbol, Status: "failed", Error: execErr.Error()})
	}
	if err := c.Store.InsertTrade(ctx, trade); err != nil {
		return outcome{execErr: execErr}, err
	}
	return outcome{trade: trade, execErr: execErr}, nil
}

func (c *Coordinator) recordHold(ctx context.Context, asset store.Asset, d decision.Decision, price float64) (*store.TradeEvent, error) {
	at := c.Clock.Now().UTC()
	trade := &store.TradeEvent{
		AssetID:   asset.ID,
		Symbol:    asset.Symbol,
		Action:    store.ActionHold,
		Price:     price,
		Reasoning: d.Reasoning,
		Decision:  toJSON(d),
		Status:    store.TradeClosed,
		CreatedAt: at,
		ClosedAt:  &at,
	}
	if err := c.Store.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// markUnrealized refreshes the ledger from the broker's post-fill position.
func (c *Coordinator) markUnrealized(ctx context.Context, asset store.Asset, price float64) {
	positions, err := c.Broker.GetPositions(ctx, asset.Symbol)
	if err != nil {
		logger.Warnf("cycle %s: post-fill positions: %v", asset.Symbol, err)
		return
	}
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		mark := p.MarketPrice
		if mark <= 0 {
			mark = price
		}
		if _, err := c.Ledger.MarkUnrealized(ctx, asset.ID, ledger.Mark{
			Unrealized:    p.UnrealizedPnl,
			PositionValue: p.MarketValue,
			MarketPrice:   mark,
		}); err != nil {
			logger.Warnf("cycle %s: mark unrealized: %v", asset.Symbol, err)
		}
		return
	}
}

// quantity is equity × sizing% ÷ price, truncated to the order precision.
func quantity(equity, sizingPct, price float64) float64 {
	if equity <= 0 || sizingPct <= 0 || price <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(sizingPct)).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(price)).
		Truncate(qtyPrecision)
	return q.InexactFloat64()
}

func oppositeOf(open []store.PositionSnapshot, side store.Side) *store.PositionSnapshot {
	for i := range open {
		if open[i].Side != side && open[i].Quantity > 0 {
			return &open[i]
		}
	}
	return nil
}

// estimatePnl is the result of the part of the order that reduces the opposite position.
func estimatePnl(opposite *store.PositionSnapshot, qty, fill float64) float64 {
	if opposite == nil {
		return 0
	}
	reduced := math.Min(qty, opposite.Quantity)
	diff := fill - opposite.AvgEntryPrice
	if opposite.Side == store.SideShort {
		diff = -diff
	}
	return convert.Round8(reduced * diff)
}

func summarize(series market.Series, timeframe string) string {
	var b strings.Builder
	b.WriteString(series.Candles.Snapshot(timeframe))
	b.WriteString("\n")
	b.WriteString(series.Indicators.Summary(series.LastPrice()))
	switch {
	case series.Synthetic:
		b.WriteString("\nnote: live data unavailable, series is synthetic")
	case series.Stale:
		b.WriteString("\nnote: live data unavailable, series is the last cached one")
	}
	return b.String()
}

func toDecisionPositions(open []store.PositionSnapshot) []decision.Position {
	out := make([]decision.Position, 0, len(open))
	for _, p := range open {
		out = append(out, decision.Position{
			Side:          string(p.Side),
			Quantity:      p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			UnrealizedPnl: p.UnrealizedPnl,
		})
	}
	return out
}

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
