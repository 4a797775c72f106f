package scheduler

import (
	"context"
	"fmt"
	"time"

	"tradeloop/internal/logger"
)

// Task runs one iteration and returns how long to wait before the next one.
type Task func(ctx context.Context) time.Duration

// DefaultPanicBackoff is the delay applied after an iteration panics.
const DefaultPanicBackoff = 60 * time.Second

// Loop is a self-rescheduling periodic task with cancellation.
// Stopping a loop never interrupts an iteration already running; it only prevents the next.
type Loop struct {
	Name         string
	PanicBackoff time.Duration

	clock  Clock
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, clock Clock, task Task) *Loop {
	if clock == nil {
		clock = RealClock()
	}
	return &Loop{
		Name:         name,
		PanicBackoff: DefaultPanicBackoff,
		clock:        clock,
		task:         task,
		done:         make(chan struct{}),
	}
}

// Start launches the loop; the first iteration runs after delay.
// If after is non-nil the loop waits for it to close before the first iteration.
func (l *Loop) Start(ctx context.Context, delay time.Duration, after <-chan struct{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx, delay, after)
}

// Stop cancels the loop without waiting for it to exit.
func (l *Loop) Stop() {
	if l != nil && l.cancel != nil {
		l.cancel()
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(ctx context.Context, delay time.Duration, after <-chan struct{}) {
	defer close(l.done)
	if after != nil {
		select {
		case <-ctx.Done():
			return
		case <-after:
		}
	}
	logger.Debugf("Loop[%s]: started, first run in %s", l.Name, delay)
	wait := delay
	for {
		if !l.sleep(ctx, wait) {
			logger.Debugf("Loop[%s]: ctx done, exit", l.Name)
			return
		}
		wait = l.iterate(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			logger.Debugf("Loop[%s]: stopped after iteration", l.Name)
			return
		}
	}
}

func (l *Loop) iterate(ctx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Loop[%s]: iteration panicked: %v", l.Name, fmt.Sprint(r))
			next = l.PanicBackoff
		}
	}()
	return l.task(ctx)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.clock.After(d):
		return true
	}
}
