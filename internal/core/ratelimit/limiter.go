// Package ratelimit provides sliding-window admission control for
// portal-visible actions. One limiter is shared by every download worker so
// the portal sees a single bounded request rate, independent of the
// per-worker jitter delays.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"hcmfetch/internal/logger"
)

// Limiter admits at most maxPerWindow acquisitions within any rolling
// window. Safe for concurrent use.
type Limiter struct {
	maxPerWindow int
	window       time.Duration
	log          *logger.Logger

	mu    sync.Mutex
	slots []time.Time

	// now is swapped out by tests for deterministic clocks.
	now func() time.Time
}

// New creates a limiter. maxPerWindow must be at least 1.
func New(maxPerWindow int, window time.Duration) *Limiter {
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	return &Limiter{
		maxPerWindow: maxPerWindow,
		window:       window,
		log:          logger.New("RateLimiter"),
		now:          time.Now,
	}
}

// Acquire blocks until a slot is available in the rolling window, then
// claims it. Returns early with the context's error on cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.slots) < l.maxPerWindow {
			l.slots = append(l.slots, now)
			l.mu.Unlock()
			return nil
		}

		// Oldest slot must age out of the window before we can admit.
		wait := l.slots[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		l.log.LogDebugf("rate limit (%d/%s): waiting %s",
			l.maxPerWindow, l.window, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InWindow reports how many admissions are recorded in the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.slots)
}

// prune drops timestamps that have aged out. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.slots) && !l.slots[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.slots = append(l.slots[:0], l.slots[i:]...)
	}
}
