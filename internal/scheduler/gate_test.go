package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateSpacing(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGate(clock, DefaultLeaseFactor)
	interval := 60 * time.Second

	assert.True(t, g.CanRun(1, interval), "first call for unseen asset is admitted")
	g.MarkComplete(1)
	clock.Advance(30 * time.Second)
	assert.False(t, g.CanRun(1, interval), "second call inside the interval is denied")
	assert.Equal(t, 30*time.Second, g.TimeUntilNextRun(1))

	clock.Advance(30 * time.Second)
	assert.True(t, g.CanRun(1, interval), "allowed once interval elapsed after MarkComplete")
}

func TestGateDeniesWhileRunning(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	g := NewGate(clock, DefaultLeaseFactor)

	assert.True(t, g.CanRun(7, time.Minute))
	clock.Advance(90 * time.Second)
	assert.False(t, g.CanRun(7, time.Minute), "still running, lease not expired")
	assert.True(t, g.Running(7))

	g.MarkComplete(7)
	assert.True(t, g.CanRun(7, time.Minute))
}

func TestGateLeaseExpiry(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))

	t.Run("expired lease admits", func(t *testing.T) {
		g := NewGate(clock, 2)
		assert.True(t, g.CanRun(1, time.Minute))
		clock.Advance(2 * time.Minute)
		assert.True(t, g.CanRun(1, time.Minute))
	})

	t.Run("zero factor never expires", func(t *testing.T) {
		g := NewGate(clock, 0)
		assert.True(t, g.CanRun(2, time.Minute))
		clock.Advance(24 * time.Hour)
		assert.False(t, g.CanRun(2, time.Minute))
	})
}

func TestGateIntervalChangeAppliesNextEvaluation(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	g := NewGate(clock, DefaultLeaseFactor)
	assert.True(t, g.CanRun(3, 5*time.Minute))
	g.MarkComplete(3)
	clock.Advance(time.Minute)
	assert.False(t, g.CanRun(3, 5*time.Minute))
	assert.True(t, g.CanRun(3, 30*time.Second))
}

func TestGateResetAndUnseen(t *testing.T) {
	g := NewGate(NewManualClock(time.Unix(0, 0)), DefaultLeaseFactor)
	assert.Equal(t, time.Duration(0), g.TimeUntilNextRun(9))
	assert.True(t, g.CanRun(9, time.Hour))
	g.Reset(9)
	assert.True(t, g.CanRun(9, time.Hour))
}

func TestGateConcurrentCanRunAdmitsOne(t *testing.T) {
	g := NewGate(NewManualClock(time.Unix(0, 0)), DefaultLeaseFactor)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CanRun(42, time.Second) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
