// Package discovery walks the portal's paginated document listing and
// populates the state store. It runs before the download workers start, so
// a document is always durably recorded before anyone can claim it.
package discovery

import (
	"context"
	"fmt"

	"hcmfetch/internal/adapter"
	"hcmfetch/internal/core/retry"
	"hcmfetch/internal/core/state"
	"hcmfetch/internal/logger"
)

// Walker pages through the listing with a single adapter (the main
// authenticated page), persisting every row.
type Walker struct {
	store   *state.Store
	adapter adapter.Adapter
	policy  *retry.Policy
	log     *logger.Logger
}

func New(store *state.Store, a adapter.Adapter, policy *retry.Policy) *Walker {
	return &Walker{
		store:   store,
		adapter: a,
		policy:  policy,
		log:     logger.New("Discovery"),
	}
}

// Run discovers every document from the saved cursor onward. Idempotent:
// re-running over an unchanged listing upserts the same identifiers and the
// cursor only advances after a page's rows are durably persisted.
//
// Page-level failures are retried with the shared backoff policy; a page
// that stays unreadable halts discovery with an error. Already-persisted
// documents still proceed to download in that case.
func (w *Walker) Run(ctx context.Context) error {
	if done, err := w.store.DiscoveryComplete(ctx); err != nil {
		return err
	} else if done {
		w.log.LogInfo("discovery already complete, skipping listing walk")
		return nil
	}

	if err := w.policy.Do(ctx, w.log, "navigate to documents", func(ctx context.Context) error {
		return w.adapter.NavigateToDocuments(ctx)
	}); err != nil {
		return fmt.Errorf("discovery: navigate to documents: %w", err)
	}

	// LoadPageProgress holds the last fully-processed page; resume strictly
	// after it by fast-forwarding through already-completed pages.
	completed, resumed, err := w.store.LoadPageProgress(ctx)
	if err != nil {
		return err
	}
	if resumed {
		w.log.LogInfof("resuming discovery after listing page %d", completed)
		for i := 0; i < completed; i++ {
			more, err := w.hasNext(ctx)
			if err != nil {
				return err
			}
			if !more {
				// Listing shrank below the saved cursor.
				return w.finish(ctx)
			}
			if err := w.next(ctx); err != nil {
				return err
			}
		}
	}

	page := completed + 1
	total := 0
	for {
		w.log.LogInfof("scraping listing page %d", page)

		var docs []state.Document
		listErr := w.policy.Do(ctx, w.log, fmt.Sprintf("list page %d", page), func(ctx context.Context) error {
			d, err := w.adapter.ListPage(ctx, page)
			if err != nil {
				return err
			}
			docs = d
			return nil
		})
		if listErr != nil {
			return fmt.Errorf("discovery: page %d unreadable, halting (already-discovered documents still download): %w", page, listErr)
		}
		w.log.LogInfof("found %d record(s) on page %d", len(docs), page)

		for _, doc := range docs {
			if err := w.store.UpsertDiscovered(ctx, doc); err != nil {
				return err
			}
		}
		if err := w.store.SavePageProgress(ctx, page); err != nil {
			return err
		}
		total += len(docs)

		more, err := w.hasNext(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		if err := w.next(ctx); err != nil {
			return err
		}
		page++
	}

	w.log.LogInfof("discovery complete: %d record(s) across %d page(s)", total, page)
	return w.finish(ctx)
}

func (w *Walker) finish(ctx context.Context) error {
	return w.store.SetDiscoveryComplete(ctx)
}

func (w *Walker) hasNext(ctx context.Context) (bool, error) {
	var more bool
	err := w.policy.Do(ctx, w.log, "check next page", func(ctx context.Context) error {
		m, err := w.adapter.HasNextPage(ctx)
		if err != nil {
			return err
		}
		more = m
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("discovery: next-page check: %w", err)
	}
	return more, nil
}

func (w *Walker) next(ctx context.Context) error {
	err := w.policy.Do(ctx, w.log, "advance listing page", func(ctx context.Context) error {
		return w.adapter.NextPage(ctx)
	})
	if err != nil {
		return fmt.Errorf("discovery: advance page: %w", err)
	}
	return nil
}
