package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ezcal/internal/model"
	"ezcal/internal/upstream"
)

func TestIsWebmail(t *testing.T) {
	cases := map[string]bool{
		"https://mail.google.com/mail/u/0/#inbox":  true,
		"https://outlook.office365.com/mail/":      true,
		"https://eu.mail.proton.me/u/0/inbox":      true,
		"https://www.icloud.com/mail":              true,
		"https://example.com/events":               false,
		"https://notmail.google.com.evil.example/": false,
		"https://mail.google.com.evil.example/":    false,
		"":                                         false,
		"not a url":                                false,
		"https://webmail.example.org/?_task=mail":  false,
	}
	for in, want := range cases {
		if got := IsWebmail(in); got != want {
			t.Errorf("IsWebmail(%q) = %v, want %v", in, got, want)
		}
	}
	if !IsWebmail("https://webmail.example.org/?_task=mail", "webmail.example.org") {
		t.Error("extra hosts should be honoured")
	}
}

func TestLimitPassesSmallContent(t *testing.T) {
	s := strings.Repeat("a", MaxContentChars)
	if got := Limit(s); got != s {
		t.Fatalf("content at the limit should pass unchanged")
	}
}

func TestLimitTruncatesWithoutSections(t *testing.T) {
	s := strings.Repeat("x", 150_000)
	got := Limit(s)
	if len(got) != TruncateChars || got != s[:TruncateChars] {
		t.Fatalf("expected first %d chars, got %d", TruncateChars, len(got))
	}
}

func TestLimitTruncatesByCharacters(t *testing.T) {
	s := strings.Repeat("é", 120_000)
	got := Limit(s)
	if n := len([]rune(got)); n != TruncateChars {
		t.Fatalf("expected %d runes, got %d", TruncateChars, n)
	}
}

func TestLimitKeepsMainSections(t *testing.T) {
	body := strings.Repeat("<p>event text</p>", 60)
	filler := strings.Repeat("<div>nav</div>", 10_000)
	doc := "<html><body>" + filler + "<main>" + body + "</main>" +
		"<article><p>too short</p></article></body></html>"

	got := Limit(doc)
	if strings.Contains(got, "nav") {
		t.Fatalf("filler should be dropped")
	}
	if !strings.Contains(got, "event text") {
		t.Fatalf("main section should be kept")
	}
	if strings.Contains(got, "too short") {
		t.Fatalf("sections under %d chars should be dropped", MinSectionChars)
	}
}

func TestPrimaryMessage(t *testing.T) {
	short := "  Hello, see you at 10:00  "
	if got := PrimaryMessage(short); got != "Hello, see you at 10:00" {
		t.Fatalf("short text should only be trimmed, got %q", got)
	}

	chrome := strings.Repeat("Inbox Sent Drafts ", 20)
	message := strings.Repeat("Team dinner on 2024-06-01 at 19:00 in Lyon. ", 300)
	quoted := strings.Repeat("> earlier reply ", 40)
	text := chrome + "\n\n\n\n" + message + "\n \n\t\n" + quoted + "\n\n\nok"

	got := PrimaryMessage(text)
	if got != message {
		t.Fatalf("expected the message body segment, got %d chars", len(got))
	}
}

func TestFirecrawlScrape(t *testing.T) {
	var req scrapeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/scrape" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer fc-key" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# Events","html":"<h1>Events</h1>","metadata":{"title":"Events","statusCode":200}}}`))
	}))
	defer srv.Close()

	fc := NewFirecrawl(srv.URL, time.Second)
	page, err := fc.Scrape(context.Background(), "fc-key", "https://x.com/e", FormatHTML)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if page.Content != "<h1>Events</h1>" || page.Metadata.Title != "Events" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if req.URL != "https://x.com/e" || !req.OnlyMainContent || len(req.Formats) != 1 || req.Formats[0] != FormatHTML {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestFirecrawlErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "payment required", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	fc := NewFirecrawl(srv.URL, time.Second)
	if _, err := fc.Scrape(context.Background(), "k", "https://x.com", FormatMarkdown); !upstream.IsHTTP(err) {
		t.Fatalf("expected HTTP error, got %v", err)
	}

	slow := NewFirecrawl(srv.URL, 50*time.Millisecond)
	slow.http = &http.Client{Transport: slowTransport{}}
	if _, err := slow.Scrape(context.Background(), "k", "https://x.com", FormatMarkdown); !upstream.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// slowTransport never answers; it only returns once the request is done.
type slowTransport struct{}

func (slowTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	<-r.Context().Done()
	return nil, r.Context().Err()
}

func TestStaticPagesText(t *testing.T) {
	pages := StaticPages{
		"1": {URL: "https://mail.google.com/mail/u/0", HTML: `<html><body><nav>Inbox</nav><div role="main"> Lunch on Friday </div></body></html>`},
		"2": {URL: "https://outlook.live.com/mail", HTML: `<html><body><main></main><div class="message-body">Board meeting</div></body></html>`},
		"3": {URL: "https://mail.yahoo.com", HTML: `<html><body><p>Just the body</p></body></html>`},
	}
	cases := map[string]string{"1": "Lunch on Friday", "2": "Board meeting", "3": "Just the body"}
	for tab, want := range cases {
		got, err := pages.PageText(context.Background(), model.Target{TabID: tab})
		if err != nil {
			t.Fatalf("PageText(%s): %v", tab, err)
		}
		if got != want {
			t.Errorf("PageText(%s) = %q, want %q", tab, got, want)
		}
	}

	byURL, err := pages.PageText(context.Background(), model.Target{URL: "https://mail.yahoo.com"})
	if err != nil || byURL != "Just the body" {
		t.Fatalf("lookup by URL: %q, %v", byURL, err)
	}

	if _, err := pages.TabURL(context.Background(), "missing"); !errors.Is(err, ErrTabNotFound) {
		t.Fatalf("expected ErrTabNotFound, got %v", err)
	}
}

func TestPageTextScriptListsSelectors(t *testing.T) {
	script, err := pageTextScript()
	if err != nil {
		t.Fatal(err)
	}
	for _, sel := range []string{`[role=\"main\"]`, `"main"`, `".email-content"`, `".message-body"`} {
		if !strings.Contains(script, sel) {
			t.Errorf("script missing selector %s:\n%s", sel, script)
		}
	}
}

func TestTextFromHTMLNarrowsSelectorMatchOnly(t *testing.T) {
	message := strings.Repeat("Quarterly review on 2024-07-02 at 10:00 in room 3. ", 250)
	quoted := "> earlier reply in the thread, long enough to count as a segment"
	inner := "Inbox\n\n\n\n" + message + "\n\n\n\n" + quoted

	got, err := TextFromHTML(`<html><body><div role="main">` + inner + `</div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if got != message {
		t.Fatalf("selector match should be narrowed to the message, got %d chars", len(got))
	}

	got, err = TextFromHTML(`<html><body><p>` + inner + `</p></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if got != strings.TrimSpace(inner) {
		t.Fatalf("body fallback should be returned whole, got %d chars", len(got))
	}
}

func TestPageTextScriptReportsMatch(t *testing.T) {
	script, err := pageTextScript()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "matched: true") || !strings.Contains(script, "matched: false") {
		t.Fatalf("script should report whether a selector matched:\n%s", script)
	}
}
