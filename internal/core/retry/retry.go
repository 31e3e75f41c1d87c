// Package retry implements bounded exponential backoff with jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"hcmfetch/internal/adapter"
	"hcmfetch/internal/logger"
)

// Policy drives repeated attempts of a fallible action. Each failed attempt
// classified as retryable waits BaseDelay*2^(attempt-1), capped at MaxDelay
// and scaled by a uniform jitter factor in [0.75, 1.25], before the next
// try. Errors wrapped as adapter.PermanentError, adapter.ErrSessionExpired
// and context cancellation stop the loop immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New builds a policy with sane floors: at least one attempt, non-negative
// delays.
func New(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		sleep:       sleepCtx,
		jitter:      func() float64 { return 0.75 + rand.Float64()*0.5 },
	}
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// exhausted. The last error is returned after exhaustion. label tags log
// lines only.
func (p *Policy) Do(ctx context.Context, log *logger.Logger, label string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !adapter.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			if log != nil {
				log.LogErrorf("%s: all %d attempt(s) failed: %v", label, p.MaxAttempts, err)
			}
			break
		}

		delay := p.Delay(attempt)
		if log != nil {
			log.LogWarnf("%s: attempt %d/%d failed (%v), retrying in %s",
				label, attempt, p.MaxAttempts, err, delay.Round(time.Millisecond))
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return fmt.Errorf("retry: %d attempt(s) exhausted: %w", p.MaxAttempts, lastErr)
}

// Delay computes the jittered backoff after the given 1-based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return time.Duration(float64(d) * p.jitter())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
