package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"
)

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (s *Store) CreateAsset(ctx context.Context, a *Asset) error {
	a.Symbol = normalizeSymbol(a.Symbol)
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be > 0")
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return persistErr("create asset", err)
	}
	return nil
}

// SeedAssets inserts the given assets, leaving rows whose symbol already exists untouched.
func (s *Store) SeedAssets(ctx context.Context, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}
	for i := range assets {
		assets[i].Symbol = normalizeSymbol(assets[i].Symbol)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "symbol"}}, DoNothing: true}).
		Create(&assets).Error
	if err != nil {
		return persistErr("seed assets", err)
	}
	return nil
}

func (s *Store) GetAsset(ctx context.Context, id uint) (Asset, error) {
	var a Asset
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return Asset{}, persistErr("get asset", err)
	}
	return a, nil
}

func (s *Store) GetAssetBySymbol(ctx context.Context, symbol string) (Asset, error) {
	var a Asset
	err := s.db.WithContext(ctx).Where("symbol = ?", normalizeSymbol(symbol)).First(&a).Error
	if err != nil {
		return Asset{}, persistErr("get asset by symbol", err)
	}
	return a, nil
}

func (s *Store) ListAssets(ctx context.Context, activeOnly bool) ([]Asset, error) {
	var out []Asset
	q := s.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, persistErr("list assets", err)
	}
	return out, nil
}

// UpdateAsset applies the non-nil fields of patch and returns the stored row.
func (s *Store) UpdateAsset(ctx context.Context, id uint, patch AssetPatch) (Asset, error) {
	updates := map[string]any{}
	if patch.IntervalSeconds != nil {
		if *patch.IntervalSeconds <= 0 {
			return Asset{}, fmt.Errorf("interval_seconds must be > 0")
		}
		updates["interval_seconds"] = *patch.IntervalSeconds
	}
	if patch.Active != nil {
		updates["active"] = *patch.Active
	}
	if patch.Paused != nil {
		updates["paused"] = *patch.Paused
	}
	if patch.MaxPositionPct != nil {
		updates["max_position_pct"] = *patch.MaxPositionPct
	}
	if patch.StopLossPct != nil {
		updates["stop_loss_pct"] = *patch.StopLossPct
	}
	if patch.TakeProfitPct != nil {
		updates["take_profit_pct"] = *patch.TakeProfitPct
	}
	if len(updates) > 0 {
		updates["updated_at"] = now()
		res := s.db.WithContext(ctx).Model(&Asset{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return Asset{}, persistErr("update asset", res.Error)
		}
		if res.RowsAffected == 0 {
			return Asset{}, fmt.Errorf("update asset: %w", ErrNotFound)
		}
	}
	return s.GetAsset(ctx, id)
}

// DeactivateAsset is the soft delete used by the admin surface.
func (s *Store) DeactivateAsset(ctx context.Context, id uint) error {
	active := false
	_, err := s.UpdateAsset(ctx, id, AssetPatch{Active: &active})
	return err
}
