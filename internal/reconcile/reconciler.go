// Package reconcile diffs broker positions against the last known state and is the only
// component that turns closes into realized P&L.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeloop/internal/broker"
	"tradeloop/internal/ledger"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/pkg/keylock"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/store"
)

var ErrReconciliation = errors.New("reconciliation error")

const DefaultPeriod = 30 * time.Second

// Store is the persistence the reconciler reads and writes outside the ledger transaction.
type Store interface {
	ListAssets(ctx context.Context, activeOnly bool) ([]store.Asset, error)
	OpenPositions(ctx context.Context, assetID uint) ([]store.PositionSnapshot, error)
	SyncOpenPosition(ctx context.Context, p store.PositionSnapshot) error
	OpenTrades(ctx context.Context, assetID uint) ([]store.TradeEvent, error)
	Trades(ctx context.Context, assetID uint) ([]store.TradeEvent, error)
}

// Ledger is what the reconciler writes: realized settlements plus marks.
type Ledger interface {
	ledger.RealizedWriter
	ledger.UnrealizedWriter
}

// CloseEvent is emitted once per observed position close.
type CloseEvent struct {
	AssetID      uint       `json:"asset_id"`
	Symbol       string     `json:"symbol"`
	Side         store.Side `json:"side"`
	Quantity     float64    `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    float64    `json:"exit_price"`
	Realized     float64    `json:"realized_pnl"`
	ClosedTrades int64      `json:"closed_trades"`
	At           time.Time  `json:"at"`
}

// Listener runs after a tick changed an asset's state.
type Listener func(ctx context.Context, assetID uint, closed *CloseEvent)

type known struct {
	side        store.Side
	quantity    float64
	entryPrice  float64
	unrealized  float64
	marketPrice float64
	openedAt    time.Time
}

type Reconciler struct {
	store  Store
	broker broker.Broker
	ledger Ledger
	locks  *keylock.Set[uint]
	clock  scheduler.Clock
	period time.Duration

	mu   sync.Mutex
	last map[uint]*known

	listeners []Listener
}

// New builds a reconciler; locks must be the same set the cycle coordinator uses.
func New(st Store, b broker.Broker, l Ledger, locks *keylock.Set[uint], clock scheduler.Clock, period time.Duration) *Reconciler {
	if locks == nil {
		locks = keylock.New[uint]()
	}
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Reconciler{
		store:  st,
		broker: b,
		ledger: l,
		locks:  locks,
		clock:  clock,
		period: period,
		last:   make(map[uint]*known),
	}
}

func (r *Reconciler) OnChange(fn Listener) {
	if fn != nil {
		r.listeners = append(r.listeners, fn)
	}
}

// Task adapts Tick to a scheduler.Loop.
func (r *Reconciler) Task() scheduler.Task {
	return func(ctx context.Context) time.Duration {
		if err := r.Tick(ctx); err != nil {
			logger.Warnf("reconcile tick: %v", err)
		}
		return r.period
	}
}

// Tick reconciles every active asset; one asset failing does not stop the others.
func (r *Reconciler) Tick(ctx context.Context) error {
	assets, err := r.store.ListAssets(ctx, true)
	if err != nil {
		return fmt.Errorf("%w: list assets: %w", ErrReconciliation, err)
	}
	var errs []error
	for _, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.ReconcileAsset(ctx, asset); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileAsset runs one diff for one asset and returns the close it realized, if any.
func (r *Reconciler) ReconcileAsset(ctx context.Context, asset store.Asset) (*CloseEvent, error) {
	unlock := r.locks.Lock(asset.ID)
	defer unlock()

	prev, err := r.recall(ctx, asset.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s hydrate: %w", ErrReconciliation, asset.Symbol, err)
	}
	positions, err := r.broker.GetPositions(ctx, asset.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s positions: %w", ErrReconciliation, asset.Symbol, err)
	}
	current := pickPosition(positions)

	var closed *CloseEvent
	switch {
	case prev != nil && (current == nil || store.Side(current.Side) != prev.side):
		exit := prev.marketPrice
		if current != nil && current.MarketPrice > 0 {
			exit = current.MarketPrice
		}
		closed, err = r.settle(ctx, asset, prev, exit)
		if err != nil {
			return nil, err
		}
	case prev == nil && current == nil:
		return nil, r.clearStale(ctx, asset)
	}

	if current != nil {
		if err := r.track(ctx, asset, current); err != nil {
			return closed, err
		}
	}
	r.notify(ctx, asset.ID, closed)
	return closed, nil
}

// Forget drops cached state so the next tick rehydrates from storage.
func (r *Reconciler) Forget(assetID uint) {
	r.mu.Lock()
	delete(r.last, assetID)
	r.mu.Unlock()
}

// recall returns the last known position, falling back to the stored open snapshot
// whenever nothing is cached. A snapshot the coordinator wrote after a fill is
// therefore settled even if the broker closed it before any tick observed it.
func (r *Reconciler) recall(ctx context.Context, assetID uint) (*known, error) {
	r.mu.Lock()
	prev := r.last[assetID]
	r.mu.Unlock()
	if prev != nil {
		return prev, nil
	}
	open, err := r.store.OpenPositions(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Quantity > open[j].Quantity })
	p := open[0]
	prev = &known{
		side:        p.Side,
		quantity:    p.Quantity,
		entryPrice:  p.AvgEntryPrice,
		unrealized:  p.UnrealizedPnl,
		marketPrice: p.AvgEntryPrice,
		openedAt:    p.OpenedAt,
	}
	r.mu.Lock()
	r.last[assetID] = prev
	r.mu.Unlock()
	return prev, nil
}

// settle realizes prev's last observed unrealized P&L exactly once.
func (r *Reconciler) settle(ctx context.Context, asset store.Asset, prev *known, exit float64) (*CloseEvent, error) {
	trades, err := r.store.OpenTrades(ctx, asset.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s open trades: %w", ErrReconciliation, asset.Symbol, err)
	}
	at := r.clock.Now().UTC()
	realized := convert.Round8(prev.unrealized)
	closes := allocate(trades, prev.side, realized)
	_, n, err := r.ledger.Settle(ctx, asset.ID, ledger.Settlement{
		Delta:       realized,
		MarketPrice: exit,
		Trades:      closes,
		Side:        prev.side,
		At:          at,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s settle: %w", ErrReconciliation, asset.Symbol, err)
	}
	r.mu.Lock()
	delete(r.last, asset.ID)
	r.mu.Unlock()
	logger.Infof("reconcile: %s %s closed qty=%.6f entry=%.6f realized=%.4f trades=%d",
		asset.Symbol, prev.side, prev.quantity, prev.entryPrice, realized, n)
	return &CloseEvent{
		AssetID:      asset.ID,
		Symbol:       asset.Symbol,
		Side:         prev.side,
		Quantity:     prev.quantity,
		EntryPrice:   prev.entryPrice,
		ExitPrice:    exit,
		Realized:     realized,
		ClosedTrades: n,
		At:           at,
	}, nil
}

func (r *Reconciler) track(ctx context.Context, asset store.Asset, pos *broker.Position) error {
	side := store.Side(pos.Side)
	r.mu.Lock()
	prev := r.last[asset.ID]
	next := &known{
		side:        side,
		quantity:    pos.Quantity,
		entryPrice:  pos.AvgEntryPrice,
		unrealized:  pos.UnrealizedPnl,
		marketPrice: pos.MarketPrice,
		openedAt:    r.clock.Now().UTC(),
	}
	if prev != nil && prev.side == side {
		next.openedAt = prev.openedAt
	}
	r.last[asset.ID] = next
	r.mu.Unlock()

	if err := r.store.SyncOpenPosition(ctx, store.PositionSnapshot{
		AssetID:       asset.ID,
		Symbol:        asset.Symbol,
		Side:          side,
		Quantity:      pos.Quantity,
		AvgEntryPrice: pos.AvgEntryPrice,
		UnrealizedPnl: pos.UnrealizedPnl,
		OpenedAt:      next.openedAt,
	}); err != nil {
		return fmt.Errorf("%w: %s sync snapshot: %w", ErrReconciliation, asset.Symbol, err)
	}
	if _, err := r.ledger.MarkUnrealized(ctx, asset.ID, ledger.Mark{
		Unrealized:    pos.UnrealizedPnl,
		PositionValue: pos.MarketValue,
		MarketPrice:   pos.MarketPrice,
	}); err != nil {
		return fmt.Errorf("%w: %s mark: %w", ErrReconciliation, asset.Symbol, err)
	}
	return nil
}

// clearStale zeroes an unrealized figure left behind with no position to back it.
func (r *Reconciler) clearStale(ctx context.Context, asset store.Asset) error {
	entry, ok, err := r.ledger.Get(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("%w: %s ledger: %w", ErrReconciliation, asset.Symbol, err)
	}
	if !ok || entry.Unrealized == 0 {
		return nil
	}
	if _, err := r.ledger.MarkUnrealized(ctx, asset.ID, ledger.Mark{}); err != nil {
		return fmt.Errorf("%w: %s clear unrealized: %w", ErrReconciliation, asset.Symbol, err)
	}
	logger.Warnf("reconcile: %s cleared stale unrealized %.4f", asset.Symbol, entry.Unrealized)
	return nil
}

func (r *Reconciler) notify(ctx context.Context, assetID uint, closed *CloseEvent) {
	for _, fn := range r.listeners {
		fn(ctx, assetID, closed)
	}
}

func pickPosition(positions []broker.Position) *broker.Position {
	var best *broker.Position
	for i := range positions {
		p := &positions[i]
		if p.Quantity <= 0 {
			continue
		}
		if best == nil || p.Quantity > best.Quantity {
			best = p
		}
	}
	return best
}

// allocate splits realized across the open entry-side trades pro rata by quantity.
// Open trades on the other side were reductions and keep their own estimate.
func allocate(trades []store.TradeEvent, side store.Side, realized float64) []store.TradeClose {
	var entryQty float64
	for _, t := range trades {
		if store.SideOf(t.Action) == side {
			entryQty += t.Quantity
		}
	}
	out := make([]store.TradeClose, 0, len(trades))
	var assigned float64
	lastEntry := -1
	for _, t := range trades {
		if store.SideOf(t.Action) != side {
			out = append(out, store.TradeClose{ID: t.ID, Pnl: t.Pnl})
			continue
		}
		share := 0.0
		if entryQty > 0 {
			share = convert.Round8(realized * t.Quantity / entryQty)
		}
		assigned += share
		out = append(out, store.TradeClose{ID: t.ID, Pnl: share})
		lastEntry = len(out) - 1
	}
	// rounding remainder goes to the last entry so shares sum to realized
	if lastEntry >= 0 {
		out[lastEntry].Pnl = convert.Round8(out[lastEntry].Pnl + realized - assigned)
	}
	return out
}
