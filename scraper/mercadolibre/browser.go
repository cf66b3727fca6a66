package mercadolibre

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// BrowserFetcher loads the competitor endpoint in headless Chrome and reads
// the JSON document the browser renders. It is used where plain HTTP clients
// are blocked but a real browser session is not.
type BrowserFetcher struct {
	baseURL   string
	endpoint  string
	chromeBin string
	timeout   time.Duration
	retry     *utils.RetryConfig
	logger    *utils.Logger
}

// NewBrowserFetcher creates a BrowserFetcher from the application config.
func NewBrowserFetcher(cfg *config.Config, logger *utils.Logger) *BrowserFetcher {
	bin := findChromeBinary(cfg.ChromeBin)
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BrowserFetcher{
		baseURL:   strings.TrimRight(cfg.APIBaseURL, "/"),
		endpoint:  cfg.Endpoint,
		chromeBin: bin,
		timeout:   timeout,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
			Retryable:   isTemporary,
		},
		logger: logger,
	}
}

// FetchCompetitors navigates to the competitor URL and returns the page body as JSON.
func (b *BrowserFetcher) FetchCompetitors(ctx context.Context, id string) (json.RawMessage, error) {
	u := competitorsURL(b.baseURL, b.endpoint, id)
	b.logger.Info("[browser] Using browser binary: %q", b.chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(browserUserAgent),
	)
	if b.chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(b.chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	var body string
	err := b.retry.Do(ctx, "browser competitors", func() error {
		tabCtx, cancelTab := context.WithTimeout(browserCtx, b.timeout)
		defer cancelTab()

		var text string
		if err := chromedp.Run(tabCtx,
			chromedp.Navigate(u),
			chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
		); err != nil {
			return &FetchError{Op: "browser competitors", URL: u, Err: err}
		}

		text = strings.TrimSpace(text)
		if !json.Valid([]byte(text)) {
			return &FetchError{Op: "browser competitors", URL: u, Body: truncate(text, maxErrorBody), Err: ErrMalformedJSON}
		}
		body = text
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// findChromeBinary returns configured when set, otherwise the first
// Chrome/Chromium executable found on the host.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}

	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	for _, p := range []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
