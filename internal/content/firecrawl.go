package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "ezcal/internal/log"
	"ezcal/internal/upstream"
)

const (
	DefaultFirecrawlURL     = "https://api.firecrawl.dev"
	DefaultFirecrawlTimeout = 20 * time.Second

	fetchService = "fetch"
)

// Format selects what the fetch service returns.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Metadata describes the scraped page.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"sourceURL,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
}

// Page is the fetch service's answer for one URL.
type Page struct {
	Content  string
	Metadata Metadata
}

type scrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []Format `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string   `json:"markdown"`
		HTML     string   `json:"html"`
		Metadata Metadata `json:"metadata"`
	} `json:"data"`
}

// Firecrawl is a client for the content-fetch service.
type Firecrawl struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// NewFirecrawl creates a client. Empty baseURL and non-positive timeout
// take the defaults.
func NewFirecrawl(baseURL string, timeout time.Duration) *Firecrawl {
	if baseURL == "" {
		baseURL = DefaultFirecrawlURL
	}
	if timeout <= 0 {
		timeout = DefaultFirecrawlTimeout
	}
	return &Firecrawl{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Scrape fetches pageURL in the requested format, main content only.
// Failures are *upstream.Error values; a cancelled ctx is returned as is.
func (f *Firecrawl) Scrape(ctx context.Context, apiKey, pageURL string, format Format) (Page, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	payload, err := json.Marshal(scrapeRequest{
		URL:             pageURL,
		Formats:         []Format{format},
		OnlyMainContent: true,
	})
	if err != nil {
		return Page{}, fmt.Errorf("content: marshal scrape request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, f.baseURL+"/v2/scrape", bytes.NewReader(payload))
	if err != nil {
		return Page{}, fmt.Errorf("content: create scrape request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	appLog.Debug("fetch service scrape start", "url", appLog.RedactURL(pageURL), "format", format)

	resp, err := f.http.Do(req)
	if err != nil {
		return Page{}, upstream.Classify(fetchService, callCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, upstream.Classify(fetchService, callCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, upstream.HTTPStatus(fetchService, resp.StatusCode, string(body))
	}

	var out scrapeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Page{}, &upstream.Error{Service: fetchService, Kind: upstream.KindDecode, Err: err}
	}

	page := Page{Metadata: out.Data.Metadata}
	switch format {
	case FormatHTML:
		page.Content = out.Data.HTML
	default:
		page.Content = out.Data.Markdown
	}
	return page, nil
}
