package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeloop/internal/ledger"
	"tradeloop/internal/logger"
	"tradeloop/internal/store"
)

// Resync reconciles the asset and then rewrites its ledger row wholesale. Realized is kept,
// or rebuilt from closed trades when the row is missing; unrealized comes from the broker.
func (r *Reconciler) Resync(ctx context.Context, asset store.Asset) (ledger.Entry, *CloseEvent, error) {
	closed, err := r.ReconcileAsset(ctx, asset)
	if err != nil {
		return ledger.Entry{}, nil, err
	}

	unlock := r.locks.Lock(asset.ID)
	defer unlock()

	entry, found, err := r.ledger.Get(ctx, asset.ID)
	if err != nil {
		return ledger.Entry{}, closed, fmt.Errorf("%w: %s ledger: %w", ErrReconciliation, asset.Symbol, err)
	}
	realized := entry.Realized
	if !found {
		trades, err := r.store.Trades(ctx, asset.ID)
		if err != nil {
			return ledger.Entry{}, closed, fmt.Errorf("%w: %s trades: %w", ErrReconciliation, asset.Symbol, err)
		}
		realized = closedPnl(trades)
		logger.Warnf("reconcile: %s ledger row missing, rebuilt realized=%.4f from %d trades", asset.Symbol, realized, len(trades))
	}

	positions, err := r.broker.GetPositions(ctx, asset.Symbol)
	if err != nil {
		return ledger.Entry{}, closed, fmt.Errorf("%w: %s positions: %w", ErrReconciliation, asset.Symbol, err)
	}
	var unrealized float64
	if p := pickPosition(positions); p != nil {
		unrealized = p.UnrealizedPnl
	}

	out, err := r.ledger.Update(ctx, asset.ID, realized, unrealized)
	if err != nil {
		return ledger.Entry{}, closed, fmt.Errorf("%w: %s update: %w", ErrReconciliation, asset.Symbol, err)
	}
	logger.Infof("reconcile: %s resynced realized=%.4f unrealized=%.4f", asset.Symbol, out.Realized, out.Unrealized)
	return out, closed, nil
}

func closedPnl(trades []store.TradeEvent) float64 {
	sum := decimal.Zero
	for _, t := range trades {
		if t.Status == store.TradeClosed && t.Action != store.ActionHold {
			sum = sum.Add(decimal.NewFromFloat(t.Pnl))
		}
	}
	return sum.InexactFloat64()
}
