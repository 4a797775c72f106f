// Package agent owns the per-asset trading loops: gate admission, spacing and restarts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeloop/internal/cycle"
	"tradeloop/internal/logger"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/store"
)

var ErrBusy = errors.New("a cycle is already running for this asset")

const (
	DefaultFailureBackoff = 60 * time.Second
	// gateRecheck is the retry delay when the gate refuses but reports no remaining wait.
	gateRecheck = time.Second
)

type Assets interface {
	GetAsset(ctx context.Context, id uint) (store.Asset, error)
}

type CycleRunner interface {
	Run(ctx context.Context, asset store.Asset) cycle.Result
}

type Config struct {
	FailureBackoff time.Duration
	// MinHint is the shortest next-cycle hint honored; hints at or above the asset interval are ignored.
	MinHint time.Duration
}

// Runner starts and stops one scheduler.Loop per asset. Every cycle, whether
// from a loop or a manual trigger, goes through the shared gate.
type Runner struct {
	assets Assets
	cycles CycleRunner
	gate   *scheduler.Gate
	clock  scheduler.Clock
	cfg    Config

	mu      sync.Mutex
	loops   map[uint]*scheduler.Loop
	stopped map[uint]bool
	spacing map[uint]time.Duration
}

func NewRunner(assets Assets, cycles CycleRunner, gate *scheduler.Gate, clock scheduler.Clock, cfg Config) *Runner {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if gate == nil {
		gate = scheduler.NewGate(clock, scheduler.DefaultLeaseFactor)
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}
	return &Runner{
		assets:  assets,
		cycles:  cycles,
		gate:    gate,
		clock:   clock,
		cfg:     cfg,
		loops:   make(map[uint]*scheduler.Loop),
		stopped: make(map[uint]bool),
		spacing: make(map[uint]time.Duration),
	}
}

// Start launches the asset's loop if it is not already running. A loop that is
// still winding down from Stop is waited for before the new one runs its first cycle.
func (r *Runner) Start(ctx context.Context, assetID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev <-chan struct{}
	if l, ok := r.loops[assetID]; ok {
		select {
		case <-l.Done():
		default:
			if !r.stopped[assetID] {
				return
			}
			prev = l.Done()
		}
	}
	loop := scheduler.NewLoop(fmt.Sprintf("asset-%d", assetID), r.clock, func(ctx context.Context) time.Duration {
		return r.tick(ctx, assetID)
	})
	r.loops[assetID] = loop
	delete(r.stopped, assetID)
	loop.Start(ctx, 0, prev)
	logger.Infof("agent: loop for asset %d started", assetID)
}

// Stop cancels the asset's loop. A cycle already in flight finishes normally.
func (r *Runner) Stop(assetID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[assetID]
	if !ok {
		return
	}
	l.Stop()
	r.stopped[assetID] = true
	logger.Infof("agent: loop for asset %d stopped", assetID)
}

// Running reports whether the asset has a live, non-stopped loop.
func (r *Runner) Running(assetID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[assetID]
	if !ok || r.stopped[assetID] {
		return false
	}
	select {
	case <-l.Done():
		return false
	default:
		return true
	}
}

// StopAll cancels every loop and waits for them to exit or ctx to end.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.Lock()
	loops := make([]*scheduler.Loop, 0, len(r.loops))
	for id, l := range r.loops {
		l.Stop()
		r.stopped[id] = true
		loops = append(loops, l)
	}
	r.mu.Unlock()
	for _, l := range loops {
		select {
		case <-l.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Trigger runs one cycle now, bypassing spacing but not mutual exclusion.
func (r *Runner) Trigger(ctx context.Context, assetID uint) (cycle.Result, error) {
	asset, err := r.assets.GetAsset(ctx, assetID)
	if err != nil {
		return cycle.Result{}, err
	}
	if !r.gate.CanRun(assetID, 0) {
		return cycle.Result{}, ErrBusy
	}
	defer r.gate.MarkComplete(assetID)
	res := r.cycles.Run(ctx, asset)
	r.setSpacing(assetID, r.nextSpacing(asset, res))
	return res, nil
}

// tick is one loop iteration; the returned duration is the delay before the next one.
func (r *Runner) tick(ctx context.Context, assetID uint) time.Duration {
	asset, err := r.assets.GetAsset(ctx, assetID)
	if err != nil {
		logger.Warnf("agent: load asset %d: %v", assetID, err)
		return r.cfg.FailureBackoff
	}
	interval := asset.Interval()
	if !asset.Active {
		logger.Infof("agent: asset %s deactivated, stopping loop", asset.Symbol)
		r.Stop(assetID)
		return interval
	}
	if asset.Paused {
		logger.Debugf("agent: asset %s paused, skipping cycle", asset.Symbol)
		return interval
	}

	spacing := r.currentSpacing(assetID, interval)
	if !r.gate.CanRun(assetID, spacing) {
		wait := r.gate.TimeUntilNextRun(assetID)
		if wait <= 0 {
			wait = gateRecheck
		}
		return wait
	}
	res := r.run(ctx, asset)
	next := r.nextSpacing(asset, res)
	r.setSpacing(assetID, next)
	return next
}

func (r *Runner) run(ctx context.Context, asset store.Asset) cycle.Result {
	defer r.gate.MarkComplete(asset.ID)
	return r.cycles.Run(ctx, asset)
}

// nextSpacing is the interval on success, the failure backoff on a hard failure,
// or the decision's hint when it lies in [MinHint, interval).
func (r *Runner) nextSpacing(asset store.Asset, res cycle.Result) time.Duration {
	interval := asset.Interval()
	if !res.Success {
		return r.cfg.FailureBackoff
	}
	if hint := res.NextHint(); hint > 0 && hint >= r.cfg.MinHint && hint < interval {
		logger.Infof("agent: %s next cycle in %s (decision hint)", asset.Symbol, hint)
		return hint
	}
	return interval
}

func (r *Runner) currentSpacing(assetID uint, interval time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.spacing[assetID]; ok && s > 0 && s < interval {
		return s
	}
	return interval
}

func (r *Runner) setSpacing(assetID uint, d time.Duration) {
	r.mu.Lock()
	r.spacing[assetID] = d
	r.mu.Unlock()
}
