package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ezcal/internal/config"
	"ezcal/internal/model"
	"ezcal/internal/notify"
	"ezcal/internal/orchestrator"
	"ezcal/internal/store"
)

type fakeOrchestrator struct {
	res       orchestrator.Result
	err       error
	got       orchestrator.Request
	cancelled bool
}

func (f *fakeOrchestrator) Extract(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.got = req
	return f.res, f.err
}

func (f *fakeOrchestrator) Cancel(context.Context) model.ExtractionState {
	f.cancelled = true
	return model.ExtractionState{}
}

func (f *fakeOrchestrator) State() (model.ExtractionState, orchestrator.Phase) {
	return model.ExtractionState{}, orchestrator.PhaseIdle
}

type fixture struct {
	st   *store.Store
	orch *fakeOrchestrator
	hub  *notify.Hub
	srv  *Server
}

func newFixture(t *testing.T, cfg *config.Config, seed []model.Event) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if seed != nil {
		if err := st.SetEvents(context.Background(), seed); err != nil {
			t.Fatal(err)
		}
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Timezone = "UTC"
	f := &fixture{st: st, orch: &fakeOrchestrator{}, hub: notify.NewHub()}
	f.srv = NewServer(cfg, st, f.orch, f.hub)
	f.srv.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

var duplicated = []model.Event{
	{ID: "event_0", Title: "Conf", Start: "2024-06-10", AllDay: true, SourceURL: "https://x.com"},
	{ID: "event_1", Title: "conf ", Start: "2024-06-10", AllDay: true, Location: "Paris", SourceURL: "https://x.com"},
	{ID: "event_2", Title: "Party", Start: "2024-06-12T20:00", Location: "Berlin", SourceURL: "https://x.com"},
}

func TestHealthSkipsAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "pw"}
	f := newFixture(t, cfg, nil)

	if rec := f.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/events", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated events = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("me", "pw")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated events = %d", rec.Code)
	}
}

func TestEventsDeduplicatesStoredList(t *testing.T) {
	f := newFixture(t, nil, duplicated)

	rec := f.do(http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp eventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || len(resp.Events) != 2 {
		t.Fatalf("expected 2 events, got %+v", resp)
	}
	if resp.Events[0].Location != "Paris" {
		t.Fatalf("merged record should carry the location: %+v", resp.Events[0])
	}

	stored, _ := f.st.Events(context.Background())
	if len(stored) != 2 {
		t.Fatalf("store should be rewritten, has %d", len(stored))
	}

	rec = f.do(http.MethodGet, "/api/events?q=berlin", "")
	resp = eventsResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Events) != 1 || resp.Events[0].Title != "Party" || resp.Total != 2 {
		t.Fatalf("filtered response: %+v", resp)
	}
}

func TestStoreWatcherDeduplicatesAndAnnounces(t *testing.T) {
	f := newFixture(t, nil, nil)
	msgs, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	if err := f.st.SetEvents(context.Background(), duplicated); err != nil {
		t.Fatal(err)
	}

	stored, _ := f.st.Events(context.Background())
	if len(stored) != 2 {
		t.Fatalf("watcher should rewrite the list, has %d", len(stored))
	}
	select {
	case m := <-msgs:
		if m.Type != notify.EventsChanged || m.Count != 2 {
			t.Fatalf("unexpected message %+v", m)
		}
	default:
		t.Fatal("expected an events_changed message")
	}
	select {
	case m := <-msgs:
		t.Fatalf("only the clean list should be announced, got %+v", m)
	default:
	}
}

func TestDeleteAndClear(t *testing.T) {
	f := newFixture(t, nil, []model.Event{
		{ID: "event_0", Title: "A", Start: "2024-06-10"},
		{ID: "event_1", Title: "B", Start: "2024-06-11"},
	})

	if rec := f.do(http.MethodDelete, "/api/events/event_0", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/events/event_0", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
	stored, _ := f.st.Events(context.Background())
	if len(stored) != 1 || stored[0].ID != "event_1" {
		t.Fatalf("unexpected list %+v", stored)
	}

	if rec := f.do(http.MethodDelete, "/api/events", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rec.Code)
	}
	stored, _ = f.st.Events(context.Background())
	if len(stored) != 0 {
		t.Fatalf("list should be empty, has %d", len(stored))
	}
}

func TestExtractStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", orchestrator.ErrAlreadyExtracting, http.StatusConflict},
		{"config", &orchestrator.ConfigError{Missing: []string{"fc_api_key"}}, http.StatusBadRequest},
		{"no target", orchestrator.ErrNoTarget, http.StatusBadRequest},
		{"other", orchestrator.ErrScriptingUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.orch.err = tt.err
			rec := f.do(http.MethodPost, "/api/extract", `{"url":"https://x.com"}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestExtractSuccess(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.orch.res = orchestrator.Result{
		Outcome: orchestrator.OutcomeEvents,
		Events:  []model.Event{{ID: "event_0", Title: "A", Start: "2024-06-10"}},
	}

	rec := f.do(http.MethodPost, "/api/extract", `{"tabId":" 7 ","url":" https://x.com ","keep":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp extractResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != orchestrator.OutcomeEvents || resp.Count != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.orch.got.Target.TabID != "7" || f.orch.got.Target.URL != "https://x.com" || !f.orch.got.Keep {
		t.Fatalf("unexpected request %+v", f.orch.got)
	}

	if rec := f.do(http.MethodPost, "/api/extract", `{"nope":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", rec.Code)
	}
}

func TestCancelAndState(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.st.SetExtracting(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	rec := f.do(http.MethodGet, "/api/extract/state", "")
	var resp stateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.PanelExtracting || resp.Phase != orchestrator.PhaseIdle {
		t.Fatalf("unexpected state %+v", resp)
	}

	if rec := f.do(http.MethodPost, "/api/extract/cancel", ""); rec.Code != http.StatusOK || !f.orch.cancelled {
		t.Fatalf("cancel = %d, cancelled = %v", rec.Code, f.orch.cancelled)
	}
}

func TestKeys(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(http.MethodPut, "/api/settings/keys", `{"firecrawl":"  fc-1  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp keysResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Firecrawl || resp.Mistral {
		t.Fatalf("unexpected status %+v", resp)
	}
	if v, _ := f.st.Credential(context.Background(), store.KeyFirecrawlAPIKey); v != "fc-1" {
		t.Fatalf("stored key = %q", v)
	}

	f.do(http.MethodPut, "/api/settings/keys", `{"firecrawl":"   "}`)
	rec = f.do(http.MethodGet, "/api/settings/keys", "")
	resp = keysResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Firecrawl {
		t.Fatal("blank key should remove the credential")
	}
	if strings.Contains(rec.Body.String(), "fc-1") {
		t.Fatal("key values must not be returned")
	}
}

func TestExports(t *testing.T) {
	f := newFixture(t, nil, nil)
	if rec := f.do(http.MethodGet, "/api/export.csv", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("empty export = %d", rec.Code)
	}

	_ = f.st.SetEvents(context.Background(), []model.Event{
		{ID: "event_0", Title: "Talk", Start: "2024-06-10T09:30", SourceURL: "https://x.com"},
	})

	rec := f.do(http.MethodGet, "/api/export.csv", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "\ufeff") {
		t.Fatalf("csv = %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "events.csv") {
		t.Fatalf("content disposition = %q", cd)
	}

	rec = f.do(http.MethodGet, "/api/export.ics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "DTSTART:20240610T093000Z") {
		t.Fatalf("ics = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/api/export.ics?q=nothing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("filtered export = %d", rec.Code)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	f.hub.Publish(notify.Message{Type: notify.NoEventsFound, URL: "https://x.com"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "event: no_events_found" || !strings.HasPrefix(lines[1], "data: {") {
		t.Fatalf("unexpected frame %q", lines)
	}
}
