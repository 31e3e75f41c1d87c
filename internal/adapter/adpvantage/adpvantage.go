// Package adpvantage implements the adapter capability set for ADP Vantage
// document portals. Selector values are placeholders shipped in
// config/adp_vantage.yaml; inspect the actual portal DOM and adjust there.
package adpvantage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"hcmfetch/internal/adapter"
	"hcmfetch/internal/config"
	"hcmfetch/internal/core/state"
	"hcmfetch/internal/logger"
)

const System = "adp_vantage"

func init() {
	adapter.Register(System, func(cfg *config.Config, page playwright.Page) adapter.Adapter {
		return New(cfg, page)
	})
}

// Adapter drives one Playwright page against an ADP Vantage portal.
// Navigation and clicks go through Playwright; listing rows are parsed out
// of the table's HTML with goquery, which keeps row extraction free of
// per-element round trips.
type Adapter struct {
	cfg  *config.Config
	page playwright.Page
	log  *logger.Logger

	// currentPage tracks which 1-based listing page this page object is
	// showing; 0 means not on the listing at all.
	currentPage int
}

func New(cfg *config.Config, page playwright.Page) *Adapter {
	return &Adapter{cfg: cfg, page: page, log: logger.New("ADPVantage")}
}

func (a *Adapter) sel(key string) string {
	return a.cfg.Selectors[key]
}

func (a *Adapter) timeout() float64 {
	return float64(a.cfg.Download.TimeoutMillis)
}

// NavigateToDocuments opens page 1 of the document listing.
func (a *Adapter) NavigateToDocuments(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	url := a.cfg.DocumentsURL
	if url == "" {
		url = a.cfg.BaseURL
	}
	a.log.LogDebugf("navigating to documents page: %s", url)
	if _, err := a.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(a.timeout()),
	}); err != nil {
		return adapter.Transient(fmt.Errorf("goto documents: %w", err))
	}
	a.currentPage = 1
	return nil
}

// ListPage parses every document row visible on the current listing page.
func (a *Adapter) ListPage(ctx context.Context, pageNum int) ([]state.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rowsSel := a.sel("rows")
	if err := a.page.Locator(rowsSel).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(a.timeout()),
	}); err != nil {
		if expired, _ := a.SessionExpired(ctx); expired {
			return nil, adapter.ErrSessionExpired
		}
		// Genuinely empty pages exist (e.g. a trailing blank page).
		a.log.LogWarn("no document rows found on current page")
		return nil, nil
	}

	html, err := a.page.Content()
	if err != nil {
		return nil, adapter.Transient(fmt.Errorf("read page content: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, adapter.Transient(fmt.Errorf("parse listing html: %w", err))
	}

	var records []state.Document
	doc.Find(rowsSel).Each(func(idx int, row *goquery.Selection) {
		employeeName := text(row, a.sel("employee_name"), "unknown")
		employeeID := text(row, a.sel("employee_id"), fmt.Sprintf("row%d", idx))
		docType := text(row, a.sel("doc_type"), "document")
		period := text(row, a.sel("period"), "")

		if row.Find(a.sel("download_button")).Length() == 0 {
			a.log.LogDebugf("row %d: no download control, skipping", idx)
			return
		}

		records = append(records, state.Document{
			ID:           makeID(employeeID, docType, period),
			EmployeeName: employeeName,
			EmployeeID:   employeeID,
			DocType:      docType,
			Period:       period,
			ListingPage:  pageNum,
			RowIndex:     idx,
			FileName:     safeFilename(employeeID, employeeName, docType, period),
		})
	})

	a.log.LogDebugf("parsed %d record(s) from page %d", len(records), pageNum)
	return records, nil
}

// HasNextPage checks for the portal's next-page indicator.
func (a *Adapter) HasNextPage(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := a.page.Locator(a.sel("has_next")).Count()
	if err != nil {
		return false, adapter.Transient(fmt.Errorf("next-page indicator: %w", err))
	}
	return n > 0, nil
}

// NextPage clicks the next-page control and waits for the listing reload.
func (a *Adapter) NextPage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.page.Locator(a.sel("next_button")).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(a.timeout()),
	}); err != nil {
		return adapter.Transient(fmt.Errorf("click next page: %w", err))
	}
	if err := a.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(a.timeout()),
	}); err != nil {
		return adapter.Transient(fmt.Errorf("wait next page: %w", err))
	}
	a.currentPage++
	return nil
}

// Download re-locates the document's row from its listing page and row
// index, triggers the download, and saves it under outputDir. The file is
// written to a .part path first and renamed only when complete, so a failed
// attempt never leaves a partial artifact that looks like a success.
func (a *Adapter) Download(ctx context.Context, doc state.Document, outputDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := a.gotoListingPage(ctx, doc.ListingPage); err != nil {
		return "", err
	}

	row := a.page.Locator(a.sel("rows")).Nth(doc.RowIndex)
	button := row.Locator(a.sel("download_button"))
	if n, err := button.Count(); err != nil {
		return "", adapter.Transient(fmt.Errorf("locate download control: %w", err))
	} else if n == 0 {
		return "", adapter.Permanent(fmt.Errorf("row %d on page %d has no download control", doc.RowIndex, doc.ListingPage))
	}

	download, err := a.page.ExpectDownload(func() error {
		return button.Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(a.timeout()),
		})
	}, playwright.PageExpectDownloadOptions{Timeout: playwright.Float(a.timeout())})
	if err != nil {
		if expired, _ := a.SessionExpired(ctx); expired {
			return "", adapter.ErrSessionExpired
		}
		return "", adapter.Transient(fmt.Errorf("trigger download: %w", err))
	}

	ext := filepath.Ext(download.SuggestedFilename())
	if ext == "" {
		ext = ".pdf"
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", adapter.Transient(fmt.Errorf("create output dir: %w", err))
	}
	finalPath := filepath.Join(outputDir, doc.FileName+ext)
	partPath := finalPath + ".part"

	if err := download.SaveAs(partPath); err != nil {
		_ = os.Remove(partPath)
		return "", adapter.Transient(fmt.Errorf("save download: %w", err))
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return "", adapter.Transient(fmt.Errorf("finalize download: %w", err))
	}
	return finalPath, nil
}

// SessionExpired reports whether this page has bounced to the login flow,
// either by URL or by the configured login-form indicator.
func (a *Adapter) SessionExpired(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	url := a.page.URL()
	if a.cfg.LoginURL != "" && strings.HasPrefix(url, a.cfg.LoginURL) {
		return true, nil
	}
	if strings.Contains(strings.ToLower(url), "login") || strings.Contains(strings.ToLower(url), "signin") {
		return true, nil
	}
	if sel := a.sel("login_indicator"); sel != "" {
		n, err := a.page.Locator(sel).Count()
		if err != nil {
			return false, adapter.Transient(fmt.Errorf("login indicator: %w", err))
		}
		return n > 0, nil
	}
	return false, nil
}

// gotoListingPage steers this worker's page to the given 1-based listing
// page, starting over from page 1 when it is behind or lost.
func (a *Adapter) gotoListingPage(ctx context.Context, target int) error {
	if a.currentPage == 0 || a.currentPage > target {
		if err := a.NavigateToDocuments(ctx); err != nil {
			return err
		}
	}
	for a.currentPage < target {
		more, err := a.HasNextPage(ctx)
		if err != nil {
			return err
		}
		if !more {
			return adapter.Transient(fmt.Errorf("listing page %d unreachable (listing has %d pages now)", target, a.currentPage))
		}
		if err := a.NextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func text(row *goquery.Selection, sel, fallback string) string {
	if sel == "" {
		return fallback
	}
	s := strings.TrimSpace(row.Find(sel).First().Text())
	if s == "" {
		return fallback
	}
	return s
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func makeID(employeeID, docType, period string) string {
	return sanitize(employeeID) + "_" + sanitize(docType) + "_" + sanitize(period)
}

func safeFilename(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := sanitize(p); s != "" {
			clean = append(clean, s)
		}
	}
	return strings.Join(clean, "_")
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	return strings.Trim(s, "_")
}

var _ adapter.Adapter = (*Adapter)(nil)
