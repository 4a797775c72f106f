package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

func (s *Store) OpenPositions(ctx context.Context, assetID uint) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := s.db.WithContext(ctx).Where("asset_id = ? AND open = ?", assetID, true).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, persistErr("open positions", err)
	}
	return out, nil
}

func (s *Store) RecentPositions(ctx context.Context, assetID uint, limit int) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	q := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, persistErr("recent positions", err)
	}
	return out, nil
}

// MergeOpenPosition grows the open snapshot on the same side with a volume-weighted entry,
// or creates a new one when none exists. Opposite-side snapshots are left to the reconciler.
func (s *Store) MergeOpenPosition(ctx context.Context, p PositionSnapshot) (PositionSnapshot, error) {
	var out PositionSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur PositionSnapshot
		err := tx.Where("asset_id = ? AND side = ? AND open = ?", p.AssetID, p.Side, true).First(&cur).Error
		switch {
		case err == nil:
			qty := cur.Quantity + p.Quantity
			if qty > 0 {
				cur.AvgEntryPrice = (cur.AvgEntryPrice*cur.Quantity + p.AvgEntryPrice*p.Quantity) / qty
			}
			cur.Quantity = qty
			cur.UpdatedAt = now()
			out = cur
			return tx.Save(&cur).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			p.Open = true
			if p.OpenedAt.IsZero() {
				p.OpenedAt = now()
			}
			p.UpdatedAt = now()
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
			out = p
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return PositionSnapshot{}, persistErr("merge position", err)
	}
	return out, nil
}

// SyncOpenPosition replaces the open snapshot with broker-reported state.
// Open snapshots on the other side are closed.
func (s *Store) SyncOpenPosition(ctx context.Context, p PositionSnapshot) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		if err := tx.Model(&PositionSnapshot{}).
			Where("asset_id = ? AND side <> ? AND open = ?", p.AssetID, p.Side, true).
			Updates(map[string]any{"open": false, "closed_at": ts, "updated_at": ts}).Error; err != nil {
			return err
		}
		var cur PositionSnapshot
		err := tx.Where("asset_id = ? AND side = ? AND open = ?", p.AssetID, p.Side, true).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.Open = true
			if p.OpenedAt.IsZero() {
				p.OpenedAt = ts
			}
			p.UpdatedAt = ts
			return tx.Create(&p).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&cur).Updates(map[string]any{
			"quantity":        p.Quantity,
			"avg_entry_price": p.AvgEntryPrice,
			"unrealized_pnl":  p.UnrealizedPnl,
			"updated_at":      ts,
		}).Error
	})
	if err != nil {
		return persistErr("sync position", err)
	}
	return nil
}

// ClosePositions closes every open snapshot of the asset, optionally limited to one side.
func (s *Store) ClosePositions(ctx context.Context, assetID uint, side Side, at time.Time) error {
	if err := ClosePositionsTx(s.db.WithContext(ctx), assetID, side, at); err != nil {
		return persistErr("close positions", err)
	}
	return nil
}

// ClosePositionsTx is ClosePositions inside a caller-owned transaction.
func ClosePositionsTx(tx *gorm.DB, assetID uint, side Side, at time.Time) error {
	q := tx.Model(&PositionSnapshot{}).Where("asset_id = ? AND open = ?", assetID, true)
	if side != "" {
		q = q.Where("side = ?", side)
	}
	return q.Updates(map[string]any{"open": false, "closed_at": at, "unrealized_pnl": 0, "updated_at": at}).Error
}
