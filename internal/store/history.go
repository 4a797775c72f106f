package store

import "context"

func (s *Store) AppendHistory(ctx context.Context, h *HistorySample) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = now()
	}
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return persistErr("append pnl history", err)
	}
	return nil
}

// History returns the latest limit samples in chronological order.
func (s *Store) History(ctx context.Context, assetID uint, limit int) ([]HistorySample, error) {
	var out []HistorySample
	q := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("ts DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, persistErr("pnl history", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Ledgers returns every ledger row keyed by asset id.
func (s *Store) Ledgers(ctx context.Context) (map[uint]LedgerEntry, error) {
	var rows []LedgerEntry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, persistErr("list ledgers", err)
	}
	out := make(map[uint]LedgerEntry, len(rows))
	for _, r := range rows {
		out[r.AssetID] = r
	}
	return out, nil
}
