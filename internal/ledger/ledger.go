// Package ledger keeps the durable per-asset realized/unrealized P&L totals.
//
// Writers are split by interface: the cycle coordinator only ever receives an
// UnrealizedWriter, the reconciler is the only holder of a RealizedWriter.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeloop/internal/pkg/keylock"
	"tradeloop/internal/store"
)

const maxVersionRetries = 3

var errVersionConflict = errors.New("ledger version conflict")

type Entry struct {
	AssetID     uint      `json:"asset_id"`
	Realized    float64   `json:"realized_pnl"`
	Unrealized  float64   `json:"unrealized_pnl"`
	Total       float64   `json:"total_pnl"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// Mark is a mark-to-market observation of an open position.
type Mark struct {
	Unrealized    float64
	PositionValue float64
	MarketPrice   float64
}

type Reader interface {
	Get(ctx context.Context, assetID uint) (Entry, bool, error)
}

// UnrealizedWriter replaces the unrealized component only.
type UnrealizedWriter interface {
	Reader
	MarkUnrealized(ctx context.Context, assetID uint, m Mark) (Entry, error)
}

// RealizedWriter applies discrete realized additions.
type RealizedWriter interface {
	Reader
	AddRealized(ctx context.Context, assetID uint, delta float64) (Entry, error)
	Settle(ctx context.Context, assetID uint, s Settlement) (Entry, int64, error)
	// Update replaces both components wholesale, for resyncs.
	Update(ctx context.Context, assetID uint, realized, unrealized float64) (Entry, error)
}

// Settlement describes a position close: the realized delta and the rows it closes.
type Settlement struct {
	Delta       float64
	MarketPrice float64
	Trades      []store.TradeClose
	// Side limits which open snapshots are closed; empty closes all of them.
	Side store.Side
	At   time.Time
}

type Ledger struct {
	store *store.Store
	locks *keylock.Set[uint]
	nowFn func() time.Time
}

func New(st *store.Store) *Ledger {
	return &Ledger{store: st, locks: keylock.New[uint](), nowFn: func() time.Time { return time.Now().UTC() }}
}

var (
	_ UnrealizedWriter = (*Ledger)(nil)
	_ RealizedWriter   = (*Ledger)(nil)
)

func toEntry(row store.LedgerEntry) Entry {
	realized := decimal.NewFromFloat(row.Realized)
	unrealized := decimal.NewFromFloat(row.Unrealized)
	return Entry{
		AssetID:     row.AssetID,
		Realized:    row.Realized,
		Unrealized:  row.Unrealized,
		Total:       realized.Add(unrealized).InexactFloat64(),
		Version:     row.Version,
		LastUpdated: row.LastUpdated,
	}
}

// Get returns (Entry{}, false, nil) for assets that have no ledger row yet.
func (l *Ledger) Get(ctx context.Context, assetID uint) (Entry, bool, error) {
	var row store.LedgerEntry
	err := l.store.DB().WithContext(ctx).Where("asset_id = ?", assetID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{AssetID: assetID}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: ledger get: %w", store.ErrPersistence, err)
	}
	return toEntry(row), true, nil
}

// AddRealized applies delta to the realized component and leaves unrealized as is.
func (l *Ledger) AddRealized(ctx context.Context, assetID uint, delta float64) (Entry, error) {
	return l.write(ctx, assetID, func(realized, unrealized decimal.Decimal) (decimal.Decimal, decimal.Decimal, *store.HistorySample) {
		return realized.Add(decimal.NewFromFloat(delta)), unrealized, nil
	})
}

// Settle realizes a close and, in the same transaction, closes the open trades and position
// snapshots it covers. It returns how many trades actually transitioned.
func (l *Ledger) Settle(ctx context.Context, assetID uint, s Settlement) (Entry, int64, error) {
	var closed int64
	at := s.At
	if at.IsZero() {
		at = l.nowFn()
	}
	entry, err := l.write(ctx, assetID, func(realized, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal, *store.HistorySample) {
		return realized.Add(decimal.NewFromFloat(s.Delta)), decimal.Zero, &store.HistorySample{MarketPrice: s.MarketPrice}
	}, func(tx *gorm.DB) error {
		n, err := store.CloseTradesTx(tx, s.Trades, at)
		if err != nil {
			return err
		}
		closed = n
		return store.ClosePositionsTx(tx, assetID, s.Side, at)
	})
	if err != nil {
		return Entry{}, 0, err
	}
	return entry, closed, nil
}

func (l *Ledger) MarkUnrealized(ctx context.Context, assetID uint, m Mark) (Entry, error) {
	return l.write(ctx, assetID, func(realized, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal, *store.HistorySample) {
		return realized, decimal.NewFromFloat(m.Unrealized), &store.HistorySample{
			PositionValue: m.PositionValue,
			MarketPrice:   m.MarketPrice,
		}
	})
}

// Update replaces both components.
func (l *Ledger) Update(ctx context.Context, assetID uint, realized, unrealized float64) (Entry, error) {
	return l.write(ctx, assetID, func(_, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal, *store.HistorySample) {
		return decimal.NewFromFloat(realized), decimal.NewFromFloat(unrealized), &store.HistorySample{}
	})
}

func (l *Ledger) History(ctx context.Context, assetID uint, limit int) ([]store.HistorySample, error) {
	return l.store.History(ctx, assetID, limit)
}

type mutation func(realized, unrealized decimal.Decimal) (decimal.Decimal, decimal.Decimal, *store.HistorySample)

// write serializes writers per asset in-process and guards against other processes with the version column.
func (l *Ledger) write(ctx context.Context, assetID uint, fn mutation, extra ...func(tx *gorm.DB) error) (Entry, error) {
	unlock := l.locks.Lock(assetID)
	defer unlock()
	var (
		out Entry
		err error
	)
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		out, err = l.writeOnce(ctx, assetID, fn, extra)
		if !errors.Is(err, errVersionConflict) {
			break
		}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: ledger write asset %d: %w", store.ErrPersistence, assetID, err)
	}
	return out, nil
}

func (l *Ledger) writeOnce(ctx context.Context, assetID uint, fn mutation, extra []func(tx *gorm.DB) error) (Entry, error) {
	var out store.LedgerEntry
	err := l.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row store.LedgerEntry
		err := tx.Where("asset_id = ?", assetID).First(&row).Error
		fresh := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !fresh {
			return err
		}
		realized, unrealized, sample := fn(decimal.NewFromFloat(row.Realized), decimal.NewFromFloat(row.Unrealized))
		realized = realized.Round(8)
		unrealized = unrealized.Round(8)
		ts := l.nowFn()
		next := store.LedgerEntry{
			AssetID:     assetID,
			Realized:    realized.InexactFloat64(),
			Unrealized:  unrealized.InexactFloat64(),
			Total:       realized.Add(unrealized).InexactFloat64(),
			Version:     row.Version + 1,
			LastUpdated: ts,
		}
		if fresh {
			if err := tx.Create(&next).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&store.LedgerEntry{}).
				Where("asset_id = ? AND version = ?", assetID, row.Version).
				Updates(map[string]any{
					"realized_pnl":   next.Realized,
					"unrealized_pnl": next.Unrealized,
					"total_pnl":      next.Total,
					"version":        next.Version,
					"last_updated":   ts,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
		}
		if sample != nil {
			sample.AssetID = assetID
			sample.Timestamp = ts
			sample.TotalPnl = next.Total
			sample.RealizedPnl = next.Realized
			sample.UnrealizedPnl = next.Unrealized
			if err := tx.Create(sample).Error; err != nil {
				return err
			}
		}
		for _, step := range extra {
			if err := step(tx); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return toEntry(out), nil
}
