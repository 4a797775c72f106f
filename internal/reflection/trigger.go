// Package reflection asks the decision engine for a periodic self-assessment of recent trades.
package reflection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeloop/internal/decision"
	"tradeloop/internal/logger"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
	"tradeloop/internal/strategy"
)

const DefaultThreshold = 10

type TradeSource interface {
	RecentTrades(ctx context.Context, assetID uint, limit int) ([]store.TradeEvent, error)
	CountExecutedSince(ctx context.Context, assetID uint, since time.Time) (int64, error)
}

type StatsSource interface {
	Compute(ctx context.Context, assetID uint) (stats.Stats, error)
}

type Sink interface {
	InsertReflection(ctx context.Context, rec audit.Reflection) (int64, error)
	LatestReflection(ctx context.Context, assetID uint) (*audit.Reflection, error)
}

type StrategySource interface {
	Active() strategy.Config
}

type Listener func(ctx context.Context, rec audit.Reflection)

type Trigger struct {
	engine     decision.SafeEngine
	trades     TradeSource
	stats      StatsSource
	sink       Sink
	strategies StrategySource
	threshold  int
	nowFn      func() time.Time

	mu       sync.Mutex
	inflight map[uint]bool
	wg       sync.WaitGroup

	listeners []Listener
}

// New builds a trigger; threshold <= 0 uses DefaultThreshold.
func New(engine decision.SafeEngine, trades TradeSource, st StatsSource, sink Sink, strategies StrategySource, threshold int) *Trigger {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Trigger{
		engine:     engine,
		trades:     trades,
		stats:      st,
		sink:       sink,
		strategies: strategies,
		threshold:  threshold,
		nowFn:      time.Now,
		inflight:   make(map[uint]bool),
	}
}

func (t *Trigger) OnReflection(fn Listener) {
	if fn != nil {
		t.listeners = append(t.listeners, fn)
	}
}

// Due reports whether enough executed trades happened since the last reflection.
func (t *Trigger) Due(ctx context.Context, assetID uint) (bool, error) {
	var since time.Time
	last, err := t.sink.LatestReflection(ctx, assetID)
	if err != nil {
		return false, err
	}
	if last != nil {
		since = last.Timestamp
	}
	n, err := t.trades.CountExecutedSince(ctx, assetID, since)
	if err != nil {
		return false, err
	}
	return n >= int64(t.threshold), nil
}

// MaybeTrigger starts a background reflection when one is due and none is running for the asset.
func (t *Trigger) MaybeTrigger(ctx context.Context, asset store.Asset) bool {
	due, err := t.Due(ctx, asset.ID)
	if err != nil {
		logger.Warnf("reflection due check for %s: %v", asset.Symbol, err)
		return false
	}
	if !due || !t.claim(asset.ID) {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.release(asset.ID)
		if _, err := t.Run(context.WithoutCancel(ctx), asset); err != nil {
			logger.Warnf("reflection for %s not stored: %v", asset.Symbol, err)
		}
	}()
	return true
}

// Run reflects synchronously. Engine failures produce a placeholder record; only storage errors return.
// The record is stamped with the start time so trades placed while the engine is
// working count toward the next threshold.
func (t *Trigger) Run(ctx context.Context, asset store.Asset) (audit.Reflection, error) {
	started := t.nowFn().UTC()
	req := decision.ReflectRequest{AssetID: asset.ID, Symbol: asset.Symbol}
	if t.strategies != nil {
		req.Strategy = t.strategies.Active()
	} else {
		req.Strategy = strategy.Default()
	}
	recent, err := t.trades.RecentTrades(ctx, asset.ID, t.threshold*4)
	if err != nil {
		logger.Warnf("reflection trades for %s: %v", asset.Symbol, err)
	}
	req.Trades = window(recent, t.threshold)
	if s, err := t.stats.Compute(ctx, asset.ID); err != nil {
		logger.Warnf("reflection stats for %s: %v", asset.Symbol, err)
	} else {
		req.Stats = s
	}

	res := t.engine.Reflect(ctx, req)
	rec := audit.Reflection{
		AssetID:      asset.ID,
		Symbol:       asset.Symbol,
		Timestamp:    started,
		Text:         res.Text,
		Improvements: res.Improvements,
		TradeCount:   len(req.Trades),
		Placeholder:  res.Fallback,
	}
	if rec.Text == "" {
		rec.Text = "reflection unavailable: empty response"
		rec.Placeholder = true
	}
	id, err := t.sink.InsertReflection(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("store reflection: %w", err)
	}
	rec.ID = id
	logger.Infof("reflection stored for %s (trades=%d placeholder=%v)", asset.Symbol, rec.TradeCount, rec.Placeholder)
	for _, fn := range t.listeners {
		fn(ctx, rec)
	}
	return rec, nil
}

// Wait blocks until background reflections finish.
func (t *Trigger) Wait() { t.wg.Wait() }

func (t *Trigger) claim(assetID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[assetID] {
		return false
	}
	t.inflight[assetID] = true
	return true
}

func (t *Trigger) release(assetID uint) {
	t.mu.Lock()
	delete(t.inflight, assetID)
	t.mu.Unlock()
}

// window keeps the newest n closing trades (non-zero pnl), oldest first.
func window(newestFirst []store.TradeEvent, n int) []decision.TradeRecord {
	out := make([]decision.TradeRecord, 0, n)
	for _, tr := range newestFirst {
		if !tr.Executed() || tr.Pnl == 0 {
			continue
		}
		out = append(out, decision.TradeRecord{
			Action:    string(tr.Action),
			Quantity:  tr.Quantity,
			Price:     tr.Price,
			Pnl:       tr.Pnl,
			Reasoning: tr.Reasoning,
			At:        tr.CreatedAt,
		})
		if len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
