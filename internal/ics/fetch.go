package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "ezcal/internal/log"
	"ezcal/internal/upstream"
)

const calendarService = "calendar"

// FetchResult is a calendar body read from a URL.
type FetchResult struct {
	Body      []byte
	FromCache bool // the body came from disk because the server had nothing new or failed
}

type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads calendar files for import, honouring ETag and
// Last-Modified through a small disk cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir. An empty cacheDir
// disables the cache.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, cacheDir: cacheDir}
}

// Fetch downloads url. When the server fails or answers 304 and a cached
// body exists, the cached body is returned instead.
func (f *Fetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, errors.New("ics: calendar URL is empty")
	}

	dir := f.cachePath(url)
	var meta cacheEntry
	var cached []byte
	if dir != "" {
		meta, _ = loadCacheMeta(dir)
		cached, _ = os.ReadFile(filepath.Join(dir, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("ics: create request: %w", err)
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("calendar fetch start", "url", appLog.RedactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		err = upstream.Classify(calendarService, ctx, err)
		if len(cached) > 0 && !errors.Is(err, context.Canceled) {
			appLog.Warn("calendar fetch failed, using cached body", "url", appLog.RedactURL(url), "err", err)
			return FetchResult{Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, upstream.Classify(calendarService, ctx, err)
		}
		if dir != "" {
			entry := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(dir, entry, body); err != nil {
				appLog.Error("calendar cache save failed", err, "url", appLog.RedactURL(url))
			}
		}
		return FetchResult{Body: body}, nil

	case resp.StatusCode == http.StatusNotModified && len(cached) > 0:
		appLog.Debug("calendar not modified, using cache", "url", appLog.RedactURL(url))
		return FetchResult{Body: cached, FromCache: true}, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		herr := upstream.HTTPStatus(calendarService, resp.StatusCode, string(body))
		if len(cached) > 0 {
			appLog.Warn("calendar fetch non-OK, using cached body", "url", appLog.RedactURL(url), "status", resp.StatusCode)
			return FetchResult{Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, herr
	}
}

func (f *Fetcher) cachePath(url string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(dir string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// saveCache writes the body before the metadata so metadata never points
// at a missing body.
func saveCache(dir string, meta cacheEntry, body []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}
