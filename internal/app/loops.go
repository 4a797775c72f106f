package app

import (
	"context"
	"sync"

	"tradeloop/internal/agent"
)

// pinnedLoops lets the hub drive loop lifetime except for assets started at boot,
// which keep running after their last subscriber leaves.
type pinnedLoops struct {
	runner *agent.Runner

	mu     sync.Mutex
	pinned map[uint]bool
}

func newPinnedLoops(runner *agent.Runner) *pinnedLoops {
	return &pinnedLoops{runner: runner, pinned: make(map[uint]bool)}
}

func (p *pinnedLoops) Pin(assetID uint) {
	p.mu.Lock()
	p.pinned[assetID] = true
	p.mu.Unlock()
}

func (p *pinnedLoops) Start(ctx context.Context, assetID uint) {
	p.runner.Start(ctx, assetID)
}

func (p *pinnedLoops) Stop(assetID uint) {
	p.mu.Lock()
	pinned := p.pinned[assetID]
	p.mu.Unlock()
	if pinned {
		return
	}
	p.runner.Stop(assetID)
}

func (p *pinnedLoops) Running(assetID uint) bool {
	return p.runner.Running(assetID)
}
