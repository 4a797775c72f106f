package hub

import (
	"context"
	"time"

	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
)

const (
	DefaultFeedLimit  = 20
	DefaultChartLimit = 200
)

// Message is the consolidated per-asset state pushed to subscribers.
type Message struct {
	Type         string                   `json:"type"`
	Asset        store.Asset              `json:"asset"`
	Stats        stats.Stats              `json:"stats"`
	Chart        []ChartPoint             `json:"chart"`
	Positions    []store.PositionSnapshot `json:"positions"`
	Feed         []store.TradeEvent       `json:"feed"`
	Reflection   string                   `json:"reflection,omitempty"`
	Improvements []string                 `json:"improvements,omitempty"`
	Paused       bool                     `json:"paused"`
	Interval     int                      `json:"interval"`
	Running      bool                     `json:"running"`
	Timestamp    time.Time                `json:"ts"`
}

type ChartPoint struct {
	Timestamp  time.Time `json:"ts"`
	Total      float64   `json:"total"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
	Price      float64   `json:"price"`
}

type Reads interface {
	OpenPositions(ctx context.Context, assetID uint) ([]store.PositionSnapshot, error)
	RecentTrades(ctx context.Context, assetID uint, limit int) ([]store.TradeEvent, error)
	History(ctx context.Context, assetID uint, limit int) ([]store.HistorySample, error)
}

type StatsComputer interface {
	Compute(ctx context.Context, assetID uint) (stats.Stats, error)
}

type ReflectionReader interface {
	LatestReflection(ctx context.Context, assetID uint) (*audit.Reflection, error)
}

// Builder assembles a Message from storage at call time.
type Builder struct {
	Reads       Reads
	Stats       StatsComputer
	Reflections ReflectionReader
	FeedLimit   int
	ChartLimit  int
	nowFn       func() time.Time
}

func (b *Builder) Build(ctx context.Context, asset store.Asset) (Message, error) {
	feedLimit, chartLimit := b.FeedLimit, b.ChartLimit
	if feedLimit <= 0 {
		feedLimit = DefaultFeedLimit
	}
	if chartLimit <= 0 {
		chartLimit = DefaultChartLimit
	}
	now := time.Now
	if b.nowFn != nil {
		now = b.nowFn
	}

	msg := Message{
		Type:      "snapshot",
		Asset:     asset,
		Paused:    asset.Paused,
		Interval:  asset.IntervalSeconds,
		Timestamp: now().UTC(),
	}
	var err error
	if msg.Stats, err = b.Stats.Compute(ctx, asset.ID); err != nil {
		return Message{}, err
	}
	if msg.Positions, err = b.Reads.OpenPositions(ctx, asset.ID); err != nil {
		return Message{}, err
	}
	if msg.Feed, err = b.Reads.RecentTrades(ctx, asset.ID, feedLimit); err != nil {
		return Message{}, err
	}
	samples, err := b.Reads.History(ctx, asset.ID, chartLimit)
	if err != nil {
		return Message{}, err
	}
	msg.Chart = make([]ChartPoint, 0, len(samples))
	for _, s := range samples {
		msg.Chart = append(msg.Chart, ChartPoint{
			Timestamp:  s.Timestamp,
			Total:      s.TotalPnl,
			Realized:   s.RealizedPnl,
			Unrealized: s.UnrealizedPnl,
			Price:      s.MarketPrice,
		})
	}
	if b.Reflections != nil {
		rec, err := b.Reflections.LatestReflection(ctx, asset.ID)
		if err != nil {
			return Message{}, err
		}
		if rec != nil {
			msg.Reflection = rec.Text
			msg.Improvements = rec.Improvements
		}
	}
	return msg, nil
}
