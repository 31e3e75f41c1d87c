// Package browser owns the Playwright lifecycle: one browser, one
// authenticated context shared by every worker page. The login itself is a
// human job; automation only resumes after the operator confirms.
package browser

import (
	"bufio"
	"fmt"
	"os"

	"github.com/playwright-community/playwright-go"

	"hcmfetch/internal/config"
	"hcmfetch/internal/logger"
)

// Session wraps the running browser and its shared context.
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	log     *logger.Logger
}

// Start launches the browser (headful by default so the human can log in)
// and opens the initial page.
func Start(cfg *config.Config) (*Session, error) {
	log := logger.New("Browser")

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("browser: start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Browser.Headless),
		SlowMo:   playwright.Float(float64(cfg.Browser.SlowMoMillis)),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
		AcceptDownloads: playwright.Bool(true),
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("browser: new context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("browser: new page: %w", err)
	}

	log.LogDebug("browser session started")
	return &Session{pw: pw, browser: browser, context: context, page: page, log: log}, nil
}

// Page is the main page where the human performs the login.
func (s *Session) Page() playwright.Page { return s.page }

// NewPage opens an extra page in the shared context. Each download worker
// gets its own so it inherits the session cookies but navigates
// independently.
func (s *Session) NewPage() (playwright.Page, error) {
	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("browser: new worker page: %w", err)
	}
	return page, nil
}

// Navigate opens url on the main page and waits for DOM content.
func (s *Session) Navigate(url string) error {
	s.log.LogInfof("navigating to %s", url)
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("browser: goto %s: %w", url, err)
	}
	return nil
}

// PauseForLogin blocks until the human confirms login + MFA/SSO is done.
func (s *Session) PauseForLogin() error {
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("  MANUAL LOGIN REQUIRED")
	fmt.Println("  Complete login + MFA/SSO in the browser window.")
	fmt.Println("  When you are on the authenticated home page,")
	fmt.Println("  press ENTER here to resume automation.")
	fmt.Println("============================================================")
	fmt.Print("  Press ENTER to continue... ")

	if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
		return fmt.Errorf("browser: login confirmation: %w", err)
	}
	fmt.Println()
	s.log.LogInfo("user confirmed login, resuming automation")
	return nil
}

// Close tears the whole session down.
func (s *Session) Close() {
	if s.context != nil {
		_ = s.context.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.pw != nil {
		_ = s.pw.Stop()
	}
	s.log.LogDebug("browser session closed")
}
