package stats

import (
	"context"

	"tradeloop/internal/ledger"
	"tradeloop/internal/store"
)

type TradeSource interface {
	Trades(ctx context.Context, assetID uint) ([]store.TradeEvent, error)
}

type AssetSource interface {
	ListAssets(ctx context.Context, activeOnly bool) ([]store.Asset, error)
}

type Aggregator struct {
	trades TradeSource
	assets AssetSource
	ledger ledger.Reader
}

func NewAggregator(trades TradeSource, assets AssetSource, l ledger.Reader) *Aggregator {
	return &Aggregator{trades: trades, assets: assets, ledger: l}
}

func (a *Aggregator) Compute(ctx context.Context, assetID uint) (Stats, error) {
	trades, err := a.trades.Trades(ctx, assetID)
	if err != nil {
		return Stats{}, err
	}
	entry, _, err := a.ledger.Get(ctx, assetID)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(trades, entry), nil
}

type BestAsset struct {
	AssetID  uint    `json:"asset_id"`
	Symbol   string  `json:"symbol"`
	TotalPnl float64 `json:"total_pnl"`
	WinRate  float64 `json:"win_rate"`
}

// Best picks the asset with the highest ledger total; ok is false when no asset has a ledger row.
func (a *Aggregator) Best(ctx context.Context) (BestAsset, bool, error) {
	assets, err := a.assets.ListAssets(ctx, false)
	if err != nil {
		return BestAsset{}, false, err
	}
	var (
		best  BestAsset
		found bool
	)
	for _, asset := range assets {
		entry, ok, err := a.ledger.Get(ctx, asset.ID)
		if err != nil {
			return BestAsset{}, false, err
		}
		if !ok {
			continue
		}
		if found && entry.Total <= best.TotalPnl {
			continue
		}
		s, err := a.Compute(ctx, asset.ID)
		if err != nil {
			return BestAsset{}, false, err
		}
		best = BestAsset{AssetID: asset.ID, Symbol: asset.Symbol, TotalPnl: entry.Total, WinRate: s.WinRate}
		found = true
	}
	return best, found, nil
}
