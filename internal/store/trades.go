package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

func (s *Store) InsertTrade(ctx context.Context, t *TradeEvent) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	if t.Status == "" {
		t.Status = TradeOpen
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return persistErr("insert trade", err)
	}
	return nil
}

// RecentTrades returns the newest trades first.
func (s *Store) RecentTrades(ctx context.Context, assetID uint, limit int) ([]TradeEvent, error) {
	var out []TradeEvent
	q := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, persistErr("recent trades", err)
	}
	return out, nil
}

// Trades returns every trade of an asset in chronological order.
func (s *Store) Trades(ctx context.Context, assetID uint) ([]TradeEvent, error) {
	var out []TradeEvent
	err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("created_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, persistErr("list trades", err)
	}
	return out, nil
}

// AllTrades returns every trade across assets in chronological order.
func (s *Store) AllTrades(ctx context.Context) ([]TradeEvent, error) {
	var out []TradeEvent
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, persistErr("list all trades", err)
	}
	return out, nil
}

func (s *Store) OpenTrades(ctx context.Context, assetID uint) ([]TradeEvent, error) {
	var out []TradeEvent
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status = ? AND action_type <> ?", assetID, TradeOpen, ActionHold).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, persistErr("open trades", err)
	}
	return out, nil
}

// CloseTrades transitions the given open trades to closed. Trades already closed are skipped,
// so a repeated call never rewrites a pnl.
func (s *Store) CloseTrades(ctx context.Context, closes []TradeClose, at time.Time) (int64, error) {
	if len(closes) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = CloseTradesTx(tx, closes, at)
		return err
	})
	if err != nil {
		return 0, persistErr("close trades", err)
	}
	return n, nil
}

// CloseTradesTx is CloseTrades inside a caller-owned transaction.
func CloseTradesTx(tx *gorm.DB, closes []TradeClose, at time.Time) (int64, error) {
	var n int64
	for _, c := range closes {
		res := tx.Model(&TradeEvent{}).
			Where("id = ? AND status = ?", c.ID, TradeOpen).
			Updates(map[string]any{"status": TradeClosed, "pnl": c.Pnl, "closed_at": at})
		if res.Error != nil {
			return n, res.Error
		}
		n += res.RowsAffected
	}
	return n, nil
}

// CountExecutedSince counts successful non-HOLD trades created strictly after since.
func (s *Store) CountExecutedSince(ctx context.Context, assetID uint, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TradeEvent{}).
		Where("asset_id = ? AND action_type <> ? AND status <> ? AND created_at > ?", assetID, ActionHold, TradeFailed, since).
		Count(&n).Error
	if err != nil {
		return 0, persistErr("count trades", err)
	}
	return n, nil
}
