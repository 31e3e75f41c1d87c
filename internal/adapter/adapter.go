// Package adapter defines the per-portal capability set. One implementation
// exists per HRIS system; everything portal-specific (URLs, selectors, page
// semantics) lives behind this interface so the core download machinery
// stays system-agnostic.
package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/playwright-community/playwright-go"

	"hcmfetch/internal/config"
	"hcmfetch/internal/core/state"
)

// Adapter is bound to exactly one browser page. The orchestrator creates
// one adapter per worker page so workers navigate independently while
// sharing the human-established session cookies.
type Adapter interface {
	// NavigateToDocuments opens page 1 of the document listing.
	NavigateToDocuments(ctx context.Context) error

	// ListPage returns the documents visible on the current listing page.
	// pageNum is passed through so adapters can stamp it into each record.
	ListPage(ctx context.Context, pageNum int) ([]state.Document, error)

	// HasNextPage reports whether a subsequent listing page exists.
	HasNextPage(ctx context.Context) (bool, error)

	// NextPage advances to the next listing page and waits for it to load.
	NextPage(ctx context.Context) error

	// Download fetches the document into outputDir and returns the saved
	// path. The adapter re-locates the row from doc.ListingPage/RowIndex;
	// it must never rely on element handles cached during discovery.
	// Failures are classified via Transient/Permanent wrappers, or
	// ErrSessionExpired when the portal bounced to its login page.
	Download(ctx context.Context, doc state.Document, outputDir string) (string, error)

	// SessionExpired checks the page's current state for the portal's
	// login-redirect signature.
	SessionExpired(ctx context.Context) (bool, error)
}

// Factory builds an adapter bound to one page.
type Factory func(cfg *config.Config, page playwright.Page) Adapter

var registry = map[string]Factory{}

// Register makes a system's adapter available to the CLI. Called from
// adapter implementation init functions.
func Register(system string, f Factory) {
	registry[system] = f
}

// New builds the adapter for a system, or errors with the known systems.
func New(system string, cfg *config.Config, page playwright.Page) (Adapter, error) {
	f, ok := registry[system]
	if !ok {
		return nil, fmt.Errorf("adapter: unknown system %q (known: %v)", system, Systems())
	}
	return f(cfg, page), nil
}

// Systems lists the registered system names, sorted.
func Systems() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
