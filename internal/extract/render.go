package extract

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// ChromeRenderer renders pages in headless Chrome. Requires a Chrome or
// Chromium binary on the host.
type ChromeRenderer struct {
	timeout   time.Duration
	userAgent string
}

// NewChromeRenderer creates a renderer with a per-page timeout.
func NewChromeRenderer(timeout time.Duration, userAgent string) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ChromeRenderer{timeout: timeout, userAgent: userAgent}
}

// Render navigates to url and returns the rendered document HTML.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, r.timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", eris.Wrapf(err, "extract: render %s", url)
	}
	return html, nil
}
