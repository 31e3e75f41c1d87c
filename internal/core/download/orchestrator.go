// Package download runs the concurrent worker pool that drains the state
// store. Workers share the rate limiter, the session guard and the store;
// each owns its browser page exclusively.
package download

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"hcmfetch/internal/adapter"
	"hcmfetch/internal/core/ratelimit"
	"hcmfetch/internal/core/retry"
	"hcmfetch/internal/core/session"
	"hcmfetch/internal/core/state"
	"hcmfetch/internal/logger"
)

// AdapterFactory builds one adapter per worker, bound to a fresh page in
// the shared authenticated browser context. The returned close func tears
// the page down when the worker exits.
type AdapterFactory func(ctx context.Context, workerID string) (adapter.Adapter, func() error, error)

// Options tunes the orchestrator.
type Options struct {
	Workers     int
	MaxAttempts int
	OutputDir   string
	DelayMin    time.Duration // local inter-download jitter, per worker
	DelayMax    time.Duration
}

// Orchestrator spawns Workers parallel download loops. Each loop: respect
// the session-guard barrier, claim a pending document, acquire a rate-limit
// slot, execute the download through the retry policy, persist the outcome,
// pause a jittered beat, repeat. Workers exit when the store runs dry.
type Orchestrator struct {
	store   *state.Store
	limiter *ratelimit.Limiter
	guard   *session.Guard
	policy  *retry.Policy
	factory AdapterFactory
	opts    Options
	log     *logger.Logger
}

func New(store *state.Store, limiter *ratelimit.Limiter, guard *session.Guard, policy *retry.Policy, factory AdapterFactory, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		store:   store,
		limiter: limiter,
		guard:   guard,
		policy:  policy,
		factory: factory,
		opts:    opts,
		log:     logger.New("Downloader"),
	}
}

// Run blocks until every worker has exited. A store failure aborts the
// whole pool; context cancellation drains it gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.LogInfof("starting %d download worker(s)", o.opts.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= o.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return o.runWorker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, workerID string) error {
	log := logger.New(workerID)

	a, closePage, err := o.factory(ctx, workerID)
	if err != nil {
		return fmt.Errorf("download: %s: create page: %w", workerID, err)
	}
	defer closePage()

	for {
		if err := o.guard.Wait(ctx); err != nil {
			return nil // cancelled while paused
		}

		doc, err := o.store.ClaimNextPending(ctx, workerID)
		if errors.Is(err, state.ErrNoPending) {
			log.LogDebug("no pending documents left, exiting")
			return nil
		}
		if err != nil {
			return err
		}

		if err := o.process(ctx, log, a, doc); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		// Local randomized pause between this worker's own downloads, so
		// the portal never sees a mechanical click cadence.
		if err := sleepCtx(ctx, o.interDownloadDelay()); err != nil {
			return nil
		}
	}
}

// process drives one claimed document to a persisted outcome. Only store
// failures propagate; document failures end up in the store.
func (o *Orchestrator) process(ctx context.Context, log *logger.Logger, a adapter.Adapter, doc *state.Document) error {
	// Expiry check before the attempt: an already-dead session would just
	// burn the retry budget on login-page noise.
	if expired, _ := a.SessionExpired(ctx); expired {
		return o.handleExpiry(ctx, a, doc)
	}

	if err := o.store.MarkDownloading(ctx, doc.ID); err != nil {
		return err
	}

	if err := o.limiter.Acquire(ctx); err != nil {
		// Cancelled while waiting for a slot; the claim resets on restart.
		return nil
	}

	var savedPath string
	var fatal error
	err := o.policy.Do(ctx, log, doc.ID, func(ctx context.Context) error {
		if serr := o.store.RecordAttempt(ctx, doc.ID); serr != nil {
			fatal = serr
			return adapter.Permanent(serr) // stop retrying, surfaced below
		}
		path, derr := a.Download(ctx, *doc, o.opts.OutputDir)
		if derr != nil {
			return derr
		}
		savedPath = path
		return nil
	})
	if fatal != nil {
		return fatal
	}

	switch {
	case err == nil:
		log.LogInfof("[OK]   %s -> %s", doc.ID, savedPath)
		return o.store.MarkSucceeded(ctx, doc.ID, savedPath)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil

	case errors.Is(err, adapter.ErrSessionExpired):
		return o.handleExpiry(ctx, a, doc)

	case adapter.IsPermanent(err):
		log.LogErrorf("[FAIL] %s: %v", doc.ID, err)
		return o.store.MarkFailedPermanent(ctx, doc.ID, err)

	default:
		// Retryable error after exhausted attempts. The failure may itself
		// be expiry in disguise (timeouts on a login redirect), so ask the
		// adapter before finalizing.
		if expired, _ := a.SessionExpired(ctx); expired {
			return o.handleExpiry(ctx, a, doc)
		}
		status, serr := o.store.MarkFailedRetryable(ctx, doc.ID, err, o.opts.MaxAttempts)
		if serr != nil {
			return serr
		}
		if status == state.StatusFailedPermanent {
			log.LogErrorf("[FAIL] %s: attempts exhausted: %v", doc.ID, err)
		} else {
			log.LogWarnf("[RETRY] %s back to pending: %v", doc.ID, err)
		}
		return nil
	}
}

// handleExpiry requeues the interrupted document without burning its
// attempt, then drives (or joins) the guard's pause/prompt/validate cycle.
func (o *Orchestrator) handleExpiry(ctx context.Context, a adapter.Adapter, doc *state.Document) error {
	if err := o.store.Requeue(ctx, doc.ID); err != nil {
		return err
	}
	return o.guard.TriggerReauth(ctx, func(ctx context.Context) (bool, error) {
		if err := a.NavigateToDocuments(ctx); err != nil {
			return false, err
		}
		expired, err := a.SessionExpired(ctx)
		if err != nil {
			return false, err
		}
		return !expired, nil
	})
}

func (o *Orchestrator) interDownloadDelay() time.Duration {
	min, max := o.opts.DelayMin, o.opts.DelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
