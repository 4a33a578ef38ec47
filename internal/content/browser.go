package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ezcal/internal/model"
)

// ErrTabNotFound is returned when a browser has no page for a tab id.
var ErrTabNotFound = errors.New("content: tab not found")

// EmailSelectors are tried in order to find the message body of a webmail
// page; the whole document body is the fallback.
var EmailSelectors = []string{`[role="main"]`, "main", ".email-content", ".message-body"}

// Browser reads pages the user has open. Webmail content is read this way
// because the fetch service cannot see a logged-in mailbox.
type Browser interface {
	// TabURL returns the URL currently loaded in tab tabID.
	TabURL(ctx context.Context, tabID string) (string, error)
	// PageText runs the EmailSelectors heuristic inside the page and
	// returns the trimmed text it found. A selector match is narrowed to
	// the primary message; the whole-body fallback is not.
	PageText(ctx context.Context, target model.Target) (string, error)
}

// StaticPage is an HTML snapshot of a page.
type StaticPage struct {
	URL  string
	HTML string
}

// StaticPages serves saved HTML snapshots keyed by tab id. It applies the
// same selector heuristic as the in-page script, using goquery.
type StaticPages map[string]StaticPage

func (p StaticPages) TabURL(_ context.Context, tabID string) (string, error) {
	page, ok := p[tabID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	return page.URL, nil
}

func (p StaticPages) PageText(_ context.Context, target model.Target) (string, error) {
	page, ok := p.lookup(target)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTabNotFound, target.TabID)
	}
	return TextFromHTML(page.HTML)
}

func (p StaticPages) lookup(target model.Target) (StaticPage, bool) {
	if target.TabID != "" {
		page, ok := p[target.TabID]
		return page, ok
	}
	for _, page := range p {
		if page.URL == target.URL {
			return page, true
		}
	}
	return StaticPage{}, false
}

// TextFromHTML returns the text of the first EmailSelectors match that has
// any, narrowed with PrimaryMessage, or the text of the whole body as is.
func TextFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("content: parse html: %w", err)
	}
	for _, sel := range EmailSelectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return PrimaryMessage(text), nil
		}
	}
	return strings.TrimSpace(doc.Find("body").Text()), nil
}
