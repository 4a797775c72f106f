package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeloop/internal/agent"
	"tradeloop/internal/config"
	"tradeloop/internal/cycle"
	"tradeloop/internal/hub"
	"tradeloop/internal/logger"
	"tradeloop/internal/notifier"
	"tradeloop/internal/reconcile"
	"tradeloop/internal/reflection"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
	"tradeloop/internal/strategy"
	livehttp "tradeloop/internal/transport/http/live"
)

const shutdownGrace = 10 * time.Second

// App owns the long-lived components and their lifecycle.
type App struct {
	cfg   *config.Config
	clock scheduler.Clock

	store       *store.Store
	audit       *audit.Store
	strategies  *strategy.Registry
	coordinator *cycle.Coordinator
	runner      *agent.Runner
	reconciler  *reconcile.Reconciler
	reflections *reflection.Trigger
	hub         *hub.Hub
	loops       *pinnedLoops
	notifier    *notifier.Notifier
	liveHTTP    *livehttp.Server

	// stopBase cancels the context loops started by the hub inherit.
	stopBase context.CancelFunc

	Summary *StartupSummary
}

// NewApp builds the application without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(context.Background())
}

// Run starts the reconciler, the notifier, the HTTP server and, with autostart,
// every active asset's loop. It blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)

	a.strategies.Watch()

	reconcileLoop := scheduler.NewLoop("reconcile", a.clock, a.reconciler.Task())
	reconcileLoop.Start(ctx, 0, nil)
	group.Go(func() error {
		<-ctx.Done()
		reconcileLoop.Stop()
		<-reconcileLoop.Done()
		return nil
	})

	if a.notifier != nil {
		group.Go(func() error { return a.notifier.Run(ctx) })
	}

	if a.cfg.Engine.Autostart {
		if err := a.startAll(ctx); err != nil {
			return err
		}
	}

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.runner.StopAll(stopCtx)
		return nil
	})

	return group.Wait()
}

// startAll starts and pins the loops of every active asset so they keep
// running without subscribers.
func (a *App) startAll(ctx context.Context) error {
	assets, err := a.store.ListAssets(ctx, true)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, asset := range assets {
		a.loops.Pin(asset.ID)
		a.runner.Start(ctx, asset.ID)
		logger.Infof("autostart %s every %ds", asset.Symbol, asset.IntervalSeconds)
	}
	return nil
}

// Close releases storage. It waits for in-flight reflections first.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.stopBase != nil {
		a.stopBase()
	}
	if a.reflections != nil {
		a.reflections.Wait()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("close audit store: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
}

// Handler exposes the HTTP router for tests and embedding.
func (a *App) Handler() http.Handler {
	if a == nil || a.liveHTTP == nil {
		return nil
	}
	return a.liveHTTP.Handler()
}
