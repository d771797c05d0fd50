package engine

import (
	"context"
	"time"
)

const (
	DefaultMaxTicksPerCycle = 10
	DefaultIdleDelay        = 2 * time.Second
	DefaultTickTimeout      = 30 * time.Second
)

// Loop drives a Worker across every tenant with the engine enabled.
type Loop struct {
	Worker           *Worker
	MaxTicksPerCycle int
	IdleDelay        time.Duration
	TickTimeout      time.Duration
	// Sleep waits between idle cycles; tests replace it.
	Sleep func(ctx context.Context, d time.Duration)
}

func NewLoop(w *Worker) *Loop {
	return &Loop{
		Worker:           w,
		MaxTicksPerCycle: DefaultMaxTicksPerCycle,
		IdleDelay:        DefaultIdleDelay,
		TickTimeout:      DefaultTickTimeout,
	}
}

// Run cycles until ctx is cancelled. Cancellation stops new claims; a tick already in
// flight finishes under its own timeout.
func (l *Loop) Run(ctx context.Context) error {
	l.Worker.logf("engine loop started max_ticks=%d idle=%s", l.maxTicks(), l.idleDelay())
	for {
		if ctx.Err() != nil {
			l.Worker.logf("engine loop stopped")
			return nil
		}
		if !l.Cycle(ctx) {
			l.sleep(ctx, l.idleDelay())
		}
	}
}

// Cycle runs up to MaxTicksPerCycle ticks for each enabled tenant and reports whether any ran.
func (l *Loop) Cycle(ctx context.Context) bool {
	tenants, err := l.Worker.Store.ListEnabledTenants(ctx)
	if err != nil {
		l.Worker.logf("engine list tenants: %v", err)
		return false
	}
	l.Worker.metrics().SetGauge("engine_enabled_tenants", float64(len(tenants)))
	busy := false
	for _, tenant := range tenants {
		for i := 0; i < l.maxTicks(); i++ {
			if ctx.Err() != nil {
				return busy
			}
			res, err := l.tick(ctx, tenant)
			if err != nil {
				l.Worker.logf("engine tick tenant=%s: %v", tenant, err)
				break
			}
			if !res.Ran {
				break
			}
			busy = true
		}
	}
	return busy
}

func (l *Loop) tick(ctx context.Context, tenant string) (TickResult, error) {
	timeout := l.TickTimeout
	if timeout <= 0 {
		timeout = DefaultTickTimeout
	}
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return l.Worker.Tick(tickCtx, tenant)
}

func (l *Loop) maxTicks() int {
	if l.MaxTicksPerCycle > 0 {
		return l.MaxTicksPerCycle
	}
	return DefaultMaxTicksPerCycle
}

func (l *Loop) idleDelay() time.Duration {
	if l.IdleDelay > 0 {
		return l.IdleDelay
	}
	return DefaultIdleDelay
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	if l.Sleep != nil {
		l.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
