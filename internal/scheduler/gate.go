package scheduler

import (
	"sync"
	"time"

	"tradeloop/internal/logger"
)

// DefaultLeaseFactor bounds how long a running mark may block an asset, in multiples of its interval.
const DefaultLeaseFactor = 2.0

type gateEntry struct {
	running   bool
	lastStart time.Time
	interval  time.Duration
}

// Gate spaces cycles per asset and keeps at most one in flight.
// A running mark older than leaseFactor×interval is treated as abandoned;
// leaseFactor <= 0 disables expiry.
type Gate struct {
	mu          sync.Mutex
	clock       Clock
	leaseFactor float64
	entries     map[uint]*gateEntry
}

func NewGate(clock Clock, leaseFactor float64) *Gate {
	if clock == nil {
		clock = RealClock()
	}
	return &Gate{
		clock:       clock,
		leaseFactor: leaseFactor,
		entries:     make(map[uint]*gateEntry),
	}
}

// CanRun atomically admits a cycle and marks it running.
func (g *Gate) CanRun(assetID uint, interval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	e, ok := g.entries[assetID]
	if !ok {
		g.entries[assetID] = &gateEntry{running: true, lastStart: now, interval: interval}
		return true
	}
	e.interval = interval
	if e.running {
		if !g.leaseExpired(e, now) {
			return false
		}
		logger.Warnf("scheduler: asset %d running mark expired after %s, admitting new cycle",
			assetID, now.Sub(e.lastStart).Truncate(time.Second))
	} else if now.Sub(e.lastStart) < interval {
		return false
	}
	e.running = true
	e.lastStart = now
	return true
}

func (g *Gate) leaseExpired(e *gateEntry, now time.Time) bool {
	if g.leaseFactor <= 0 || e.interval <= 0 {
		return false
	}
	lease := time.Duration(float64(e.interval) * g.leaseFactor)
	return now.Sub(e.lastStart) >= lease
}

// MarkComplete clears the running flag whatever the outcome of the cycle.
func (g *Gate) MarkComplete(assetID uint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[assetID]; ok {
		e.running = false
	}
}

// TimeUntilNextRun returns 0 for unseen assets or when the interval has already elapsed.
func (g *Gate) TimeUntilNextRun(assetID uint) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[assetID]
	if !ok {
		return 0
	}
	now := g.clock.Now()
	wait := e.lastStart.Add(e.interval).Sub(now)
	if e.running && g.leaseFactor > 0 {
		lease := e.lastStart.Add(time.Duration(float64(e.interval) * g.leaseFactor)).Sub(now)
		if lease > wait {
			wait = lease
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (g *Gate) Running(assetID uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[assetID]
	return ok && e.running
}

// Reset forgets an asset so its next CanRun is admitted immediately.
func (g *Gate) Reset(assetID uint) {
	g.mu.Lock()
	delete(g.entries, assetID)
	g.mu.Unlock()
}
