package app

import (
	"fmt"
	"sort"
	"strings"

	"tradeloop/internal/config"
	"tradeloop/internal/strategy"
)

type StartupSummary struct {
	HTTPAddr   string
	Broker     string
	Market     MarketSummary
	AI         AISummary
	Engine     EngineSummary
	Strategies StrategySummary
	Assets     []AssetDetail
}

type MarketSummary struct {
	Source    string
	Timeframe string
	Lookback  int
	Synthetic bool
}

type AISummary struct {
	Enabled bool
	Model   string
	URL     string
}

type EngineSummary struct {
	Autostart           bool
	ReconcileSeconds    int
	ReflectionThreshold int
	LeaseFactor         float64
}

type StrategySummary struct {
	Active string
	Names  []string
}

type AssetDetail struct {
	Symbol          string
	IntervalSeconds int
	MaxPositionPct  float64
}

func buildSummary(cfg *config.Config, snap strategy.Snapshot, brokerName string) *StartupSummary {
	names := make([]string, 0, len(snap.Strategies))
	for name := range snap.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	assets := make([]AssetDetail, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, AssetDetail{Symbol: a.Symbol, IntervalSeconds: a.IntervalSeconds, MaxPositionPct: a.MaxPositionPct})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return &StartupSummary{
		HTTPAddr: cfg.App.HTTPAddr,
		Broker:   brokerName,
		Market: MarketSummary{
			Source:    cfg.Market.Source,
			Timeframe: cfg.Market.Timeframe,
			Lookback:  cfg.Market.Lookback,
			Synthetic: cfg.Market.Synthetic,
		},
		AI: AISummary{Enabled: cfg.AI.Enabled, Model: cfg.AI.Model, URL: cfg.AI.APIURL},
		Engine: EngineSummary{
			Autostart:           cfg.Engine.Autostart,
			ReconcileSeconds:    cfg.Engine.ReconcileIntervalSeconds,
			ReflectionThreshold: cfg.Engine.ReflectionThreshold,
			LeaseFactor:         cfg.Engine.LeaseFactor,
		},
		Strategies: StrategySummary{Active: snap.Active, Names: names},
		Assets:     assets,
	}
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	line := strings.Repeat("=", 80)
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Fprintln(&b, line)

	fmt.Fprintln(&b, "[MARKET]")
	fmt.Fprintf(&b, "  source: %s (synthetic fallback: %v)\n", s.Market.Source, s.Market.Synthetic)
	fmt.Fprintf(&b, "  timeframe: %s, lookback: %d\n", s.Market.Timeframe, s.Market.Lookback)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[DECISIONS]")
	if s.AI.Enabled {
		fmt.Fprintf(&b, "  model: %s @ %s\n", s.AI.Model, s.AI.URL)
	} else {
		fmt.Fprintln(&b, "  ai disabled, every cycle holds")
	}
	fmt.Fprintf(&b, "  strategies: %s (active: %s)\n", formatList(s.Strategies.Names), s.Strategies.Active)
	fmt.Fprintf(&b, "  reflection every %d executed trades\n", s.Engine.ReflectionThreshold)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[EXECUTION]")
	fmt.Fprintf(&b, "  broker: %s, reconcile every %ds, lease factor %.1f\n", s.Broker, s.Engine.ReconcileSeconds, s.Engine.LeaseFactor)
	fmt.Fprintf(&b, "  autostart: %v, http: %s\n", s.Engine.Autostart, s.HTTPAddr)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[ASSETS]")
	if len(s.Assets) == 0 {
		fmt.Fprintln(&b, "  (none seeded)")
	}
	for _, a := range s.Assets {
		fmt.Fprintf(&b, "  > %-12s every %4ds  max position %.0f%%\n", a.Symbol, a.IntervalSeconds, a.MaxPositionPct)
	}
	fmt.Fprintln(&b, line)
	return b.String()
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
