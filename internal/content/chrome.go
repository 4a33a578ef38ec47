package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	appLog "ezcal/internal/log"
	"ezcal/internal/model"
)

const DefaultBrowserTimeoutSec = 30

// ChromeOptions configures the chromedp-backed Browser.
type ChromeOptions struct {
	// RemoteURL is the DevTools endpoint of the user's browser, e.g.
	// "ws://127.0.0.1:9222". When empty a local headless Chromium is
	// launched, which only sees pages it opens itself.
	RemoteURL string

	// Timeout bounds each browser operation. If zero,
	// DefaultBrowserTimeoutSec is used.
	Timeout time.Duration
}

// Chrome reads pages through the Chrome DevTools protocol. Tab ids are
// DevTools target ids.
type Chrome struct {
	opts ChromeOptions
}

func NewChrome(opts ChromeOptions) *Chrome {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultBrowserTimeoutSec) * time.Second
	}
	return &Chrome{opts: opts}
}

func (c *Chrome) browserContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, timeoutCancel := context.WithTimeout(parent, c.opts.Timeout)

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if c.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, c.opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return browserCtx, func() {
		browserCancel()
		allocCancel()
		timeoutCancel()
	}
}

func (c *Chrome) TabURL(ctx context.Context, tabID string) (string, error) {
	browserCtx, cancel := c.browserContext(ctx)
	defer cancel()

	info, err := findTarget(browserCtx, tabID)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func findTarget(browserCtx context.Context, tabID string) (*target.Info, error) {
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("content: list browser targets: %w", err)
	}
	for _, t := range targets {
		if string(t.TargetID) == tabID && t.Type == "page" {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
}

// PageText attaches to the tab when target.TabID is set, otherwise opens
// target.URL in a new tab, and evaluates the selector script in the page.
// Text from a selector match is narrowed with PrimaryMessage.
func (c *Chrome) PageText(ctx context.Context, tgt model.Target) (string, error) {
	browserCtx, cancel := c.browserContext(ctx)
	defer cancel()

	script, err := pageTextScript()
	if err != nil {
		return "", err
	}

	var res pageTextResult
	if tgt.TabID != "" {
		info, err := findTarget(browserCtx, tgt.TabID)
		if err != nil {
			return "", err
		}
		tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
		defer tabCancel()
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &res)); err != nil {
			return "", fmt.Errorf("content: evaluate page script: %w", err)
		}
	} else {
		tasks := chromedp.Tasks{
			chromedp.Navigate(tgt.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Evaluate(script, &res),
		}
		if err := chromedp.Run(browserCtx, tasks); err != nil {
			return "", fmt.Errorf("content: chromedp run failed: %w", err)
		}
	}

	text := res.Text
	if res.Matched {
		text = PrimaryMessage(text)
	}
	appLog.Debug("page text read", "tab", tgt.TabID, "url", appLog.RedactURL(tgt.URL), "matched", res.Matched, "chars", len(text))
	return text, nil
}

// pageTextResult is what pageTextScript evaluates to. Matched is false when
// no selector had text and Text is the whole body.
type pageTextResult struct {
	Text    string `json:"text"`
	Matched bool   `json:"matched"`
}

// pageTextScript is the in-page counterpart of TextFromHTML.
func pageTextScript() (string, error) {
	selectors, err := json.Marshal(EmailSelectors)
	if err != nil {
		return "", fmt.Errorf("content: encode selectors: %w", err)
	}
	return fmt.Sprintf(`(() => {
  for (const sel of %s) {
    const el = document.querySelector(sel);
    const text = el && el.textContent ? el.textContent.trim() : "";
    if (text) return {text: text, matched: true};
  }
  const body = document.body && document.body.textContent ? document.body.textContent.trim() : "";
  return {text: body, matched: false};
})()`, selectors), nil
}
