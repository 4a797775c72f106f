package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tradeloop/internal/agent"
	"tradeloop/internal/broker"
	"tradeloop/internal/config"
	"tradeloop/internal/cycle"
	"tradeloop/internal/decision"
	"tradeloop/internal/hub"
	"tradeloop/internal/ledger"
	"tradeloop/internal/logger"
	"tradeloop/internal/market"
	"tradeloop/internal/notifier"
	"tradeloop/internal/pkg/keylock"
	"tradeloop/internal/reconcile"
	"tradeloop/internal/reflection"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
	"tradeloop/internal/strategy"
	livehttp "tradeloop/internal/transport/http/live"
)

// AppBuilder assembles the App. The *Fn hooks build the external collaborators.
type AppBuilder struct {
	cfg *config.Config

	marketFn   func(config.MarketConfig) (*market.Provider, error)
	engineFn   func(config.AIConfig) (decision.Engine, error)
	brokerFn   func(config.BrokerConfig, broker.PriceSource) (broker.Broker, error)
	notifierFn func(config.NotifyConfig) *notifier.Notifier

	clock scheduler.Clock
}

type AppBuilderOption func(*AppBuilder)

func WithClock(clock scheduler.Clock) AppBuilderOption {
	return func(b *AppBuilder) { b.clock = clock }
}

func WithEngine(fn func(config.AIConfig) (decision.Engine, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.engineFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		marketFn:   buildMarketProvider,
		engineFn:   buildDecisionEngine,
		brokerFn:   buildBroker,
		notifierFn: buildNotifier,
		clock:      scheduler.RealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	if err := ensureDir(cfg.Storage.DBPath); err != nil {
		return nil, err
	}
	if err := ensureDir(cfg.Storage.AuditPath); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	auditStore, err := audit.Open(cfg.Storage.AuditPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = auditStore.Close()
		_ = st.Close()
		return nil, err
	}

	seeds := seedAssets(cfg)
	if err := st.SeedAssets(ctx, seeds); err != nil {
		return fail(err)
	}
	logger.Infof("✓ seeded %d assets", len(seeds))

	registry, err := strategy.NewRegistry(cfg.AI.StrategyPath)
	if err != nil {
		return fail(fmt.Errorf("load strategies: %w", err))
	}
	registry.OnChange(func(s strategy.Snapshot) {
		logger.Infof("strategies reloaded: active=%s version=%d", s.Active, s.Version)
	})

	provider, err := b.marketFn(cfg.Market)
	if err != nil {
		return fail(fmt.Errorf("market provider: %w", err))
	}
	engine, err := b.engineFn(cfg.AI)
	if err != nil {
		return fail(fmt.Errorf("decision engine: %w", err))
	}
	guard := decision.NewGuard(engine, auditStore)
	brk, err := b.brokerFn(cfg.Broker, provider)
	if err != nil {
		return fail(fmt.Errorf("broker: %w", err))
	}
	logger.Infof("✓ broker=%s market=%s ai=%v", brk.Name(), cfg.Market.Source, engine != nil)

	l := ledger.New(st)
	agg := stats.NewAggregator(st, st, l)
	locks := keylock.New[uint]()

	refl := reflection.New(guard, st, agg, auditStore, registry, cfg.Engine.ReflectionThreshold)
	coord := cycle.New(cycle.Deps{
		Market:      provider,
		Engine:      guard,
		Broker:      brk,
		Store:       st,
		Ledger:      l,
		Stats:       agg,
		Reflections: refl,
		Strategies:  registry,
		Locks:       locks,
		Clock:       b.clock,
	}, cycle.Config{Lookback: cfg.Market.Lookback, Timeframe: cfg.Market.Timeframe})

	gate := scheduler.NewGate(b.clock, cfg.Engine.LeaseFactor)
	runner := agent.NewRunner(st, coord, gate, b.clock, agent.Config{
		FailureBackoff: cfg.Engine.FailureBackoff(),
		MinHint:        cfg.Engine.MinHint(),
	})
	recon := reconcile.New(st, brk, l, locks, b.clock, cfg.Engine.ReconcileInterval())

	base, stopBase := context.WithCancel(context.Background())
	loops := newPinnedLoops(runner)
	h := hub.New(base, st, &hub.Builder{
		Reads:       st,
		Stats:       agg,
		Reflections: auditStore,
		FeedLimit:   cfg.Engine.FeedLimit,
		ChartLimit:  cfg.Engine.ChartLimit,
	}, loops)

	notif := b.notifierFn(cfg.Notify)
	wireListeners(coord, recon, refl, h, notif)

	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Deps: livehttp.Deps{
			Assets:     st,
			Ledger:     l,
			Stats:      agg,
			Cycles:     runner,
			Reconciler: recon,
			Reflector:  refl,
			Audit:      auditStore,
			Strategies: registry,
			Hub:        h,
		},
		LogPaths: map[string]string{"app": cfg.App.LogPath},
	})
	if err != nil {
		stopBase()
		return fail(err)
	}

	return &App{
		cfg:         cfg,
		clock:       b.clock,
		store:       st,
		audit:       auditStore,
		strategies:  registry,
		coordinator: coord,
		runner:      runner,
		reconciler:  recon,
		reflections: refl,
		hub:         h,
		loops:       loops,
		notifier:    notif,
		liveHTTP:    server,
		stopBase:    stopBase,
		Summary:     buildSummary(cfg, registry.Snapshot(), brk.Name()),
	}, nil
}

// wireListeners routes every state change to the hub and, when configured, to the notifier.
func wireListeners(coord *cycle.Coordinator, recon *reconcile.Reconciler, refl *reflection.Trigger, h *hub.Hub, notif *notifier.Notifier) {
	coord.OnComplete(func(ctx context.Context, res cycle.Result) {
		h.BroadcastAsset(ctx, res.AssetID)
		if notif != nil {
			notif.CycleCompleted(ctx, res)
		}
	})
	recon.OnChange(func(ctx context.Context, assetID uint, closed *reconcile.CloseEvent) {
		h.BroadcastAsset(ctx, assetID)
		if notif != nil && closed != nil {
			notif.PositionClosed(ctx, assetID, closed)
		}
	})
	refl.OnReflection(func(ctx context.Context, rec audit.Reflection) {
		h.BroadcastAsset(ctx, rec.AssetID)
		if notif != nil {
			notif.Reflected(ctx, rec)
		}
	})
}

func seedAssets(cfg *config.Config) []store.Asset {
	out := make([]store.Asset, 0, len(cfg.Assets))
	for _, seed := range cfg.Assets {
		out = append(out, store.Asset{
			Symbol:          seed.Symbol,
			IntervalSeconds: seed.IntervalSeconds,
			Active:          true,
			MaxPositionPct:  seed.MaxPositionPct,
			StopLossPct:     seed.StopLossPct,
			TakeProfitPct:   seed.TakeProfitPct,
		})
	}
	return out
}

func ensureDir(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == ":memory:" {
		return nil
	}
	dir := filepath.Dir(trimmed)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
