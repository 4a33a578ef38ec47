package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ezcal/internal/config"
	"ezcal/internal/dedupe"
	"ezcal/internal/export"
	"ezcal/internal/ics"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
	"ezcal/internal/notify"
	"ezcal/internal/orchestrator"
	"ezcal/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	streamKeepWarm = 25 * time.Second
)

// Orchestrator is the extraction API the server drives.
type Orchestrator interface {
	Extract(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Cancel(ctx context.Context) model.ExtractionState
	State() (model.ExtractionState, orchestrator.Phase)
}

// Server provides the HTTP API over the event list and the extraction
// orchestrator.
type Server struct {
	cfg   *config.Config
	store *store.Store
	orch  Orchestrator
	hub   *notify.Hub
	loc   *time.Location
	now   func() time.Time
	mux   *http.ServeMux

	unwatch func()
}

// NewServer constructs a Server and starts watching the event list. Call
// Close to stop watching.
func NewServer(cfg *config.Config, st *store.Store, orch Orchestrator, hub *notify.Hub) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		orch:  orch,
		hub:   hub,
		loc:   resolveLocationOrLocal(cfg.Timezone),
		now:   time.Now,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	s.unwatch = st.Watch(s.onStoreChange)
	return s
}

// Close detaches the server from the store.
func (s *Server) Close() {
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EzCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("web: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("DELETE /api/events", s.handleClearEvents)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/extract/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/extract/state", s.handleState)

	s.mux.HandleFunc("GET /api/settings/keys", s.handleGetKeys)
	s.mux.HandleFunc("PUT /api/settings/keys", s.handlePutKeys)

	s.mux.HandleFunc("GET /api/export.csv", s.handleExportCSV)
	s.mux.HandleFunc("GET /api/export.ics", s.handleExportICS)

	s.mux.HandleFunc("GET /api/stream", s.handleStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events     []model.Event `json:"events"`
	Total      int           `json:"total"`
	Extracting bool          `json:"extracting"`
}

// handleEvents returns the stored list, deduplicated.
//
// GET /api/events?q=berlin
//   - q: case-insensitive filter on title, location and start
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	events, err := s.cleanEvents(ctx)
	if err != nil {
		appLog.Error("api events: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	extracting, err := s.store.Extracting(ctx)
	if err != nil {
		appLog.Error("api events: read extracting flag failed", err)
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     model.Filter(events, r.URL.Query().Get("q")),
		Total:      len(events),
		Extracting: extracting,
	})
}

// cleanEvents loads the list deduplicated. A failed rewrite is logged and
// the clean list still returned.
func (s *Server) cleanEvents(ctx context.Context) ([]model.Event, error) {
	events, err := s.store.CleanEvents(ctx)
	if err != nil && events == nil {
		return nil, err
	}
	if err != nil {
		appLog.Error("rewrite deduplicated events failed", err)
	}
	return events, nil
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearEvents(r.Context()); err != nil {
		appLog.Error("api clear events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to clear events")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.store.DeleteEvent(r.Context(), id)
	if err != nil {
		appLog.Error("api delete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extractRequest struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
	Keep  bool   `json:"keep"`
}

type extractResponse struct {
	Outcome orchestrator.Outcome `json:"outcome"`
	Count   int                  `json:"count"`
	Events  []model.Event        `json:"events"`
}

// handleExtract runs one extraction and answers when it ends. The run is
// not tied to the request, so a client that goes away does not cancel it;
// POST /api/extract/cancel does.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.orch.Extract(context.WithoutCancel(r.Context()), orchestrator.Request{
		Target: model.Target{TabID: strings.TrimSpace(req.TabID), URL: strings.TrimSpace(req.URL)},
		Keep:   req.Keep,
	})
	if err != nil {
		var cfgErr *orchestrator.ConfigError
		switch {
		case errors.Is(err, orchestrator.ErrAlreadyExtracting):
			writeError(w, http.StatusConflict, "Extraction already in progress")
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusBadRequest, "API keys not configured. Please set them in settings.")
		case errors.Is(err, orchestrator.ErrNoTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	events := res.Events
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, extractResponse{Outcome: res.Outcome, Count: len(events), Events: events})
}

type stateResponse struct {
	State           model.ExtractionState `json:"state"`
	Phase           orchestrator.Phase    `json:"phase"`
	PanelExtracting bool                  `json:"panelExtracting"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Cancel(r.Context())
	_, phase := s.orch.State()
	writeJSON(w, http.StatusOK, stateResponse{State: st, Phase: phase})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, phase := s.orch.State()
	flag, err := s.store.Extracting(r.Context())
	if err != nil {
		appLog.Error("api state: read extracting flag failed", err)
	}
	writeJSON(w, http.StatusOK, stateResponse{State: st, Phase: phase, PanelExtracting: flag})
}

type keysRequest struct {
	Firecrawl *string `json:"firecrawl"`
	Mistral   *string `json:"mistral"`
}

type keysResponse struct {
	Firecrawl bool `json:"firecrawl"`
	Mistral   bool `json:"mistral"`
}

// handleGetKeys reports which credentials are configured, never their
// values.
func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := s.keysStatus(r.Context())
	if err != nil {
		appLog.Error("api keys: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read keys")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePutKeys stores the given credentials. Omitted fields are left
// alone; blank ones remove the key.
func (s *Server) handlePutKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	for key, v := range map[string]*string{
		store.KeyFirecrawlAPIKey: req.Firecrawl,
		store.KeyMistralAPIKey:   req.Mistral,
	} {
		if v == nil {
			continue
		}
		if err := s.store.SetCredential(ctx, key, *v); err != nil {
			appLog.Error("api keys: write failed", err, "key", key)
			writeError(w, http.StatusInternalServerError, "failed to save keys")
			return
		}
	}

	resp, err := s.keysStatus(ctx)
	if err != nil {
		appLog.Error("api keys: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read keys")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) keysStatus(ctx context.Context) (keysResponse, error) {
	fc, err := s.store.Credential(ctx, store.KeyFirecrawlAPIKey)
	if err != nil {
		return keysResponse{}, err
	}
	ms, err := s.store.Credential(ctx, store.KeyMistralAPIKey)
	if err != nil {
		return keysResponse{}, err
	}
	return keysResponse{Firecrawl: fc != "", Mistral: ms != ""}, nil
}

// handleExportCSV downloads the (optionally filtered) list as CSV.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	events, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	if err := export.WriteCSV(w, events); err != nil {
		appLog.Error("api export csv failed", err)
	}
}

// handleExportICS downloads the (optionally filtered) list as a calendar.
func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	events, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="events.ics"`)
	_, _ = w.Write([]byte(ics.Export(events, s.loc, s.now())))
}

func (s *Server) exportEvents(w http.ResponseWriter, r *http.Request) ([]model.Event, bool) {
	events, err := s.cleanEvents(r.Context())
	if err != nil {
		appLog.Error("api export: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return nil, false
	}
	events = model.Filter(events, r.URL.Query().Get("q"))
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events to export")
		return nil, false
	}
	return events, true
}

// handleStream relays hub notifications as server-sent events until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	msgs, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		appLog.Warn("api stream: flush unsupported", "err", err)
		return
	}

	ticker := time.NewTicker(streamKeepWarm)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(m)
			if err != nil {
				appLog.Error("api stream: encode failed", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// onStoreChange keeps the stored list free of duplicates and announces
// list changes. A rewrite triggers another change, which is the one
// announced.
func (s *Server) onStoreChange(c store.Change) {
	if c.Key != store.KeyEvents {
		return
	}

	var events []model.Event
	if c.New != nil {
		if err := json.Unmarshal(c.New, &events); err != nil {
			appLog.Error("events change: decode failed", err)
			return
		}
	}

	cleaned := dedupe.Dedupe(events)
	if len(cleaned) != len(events) {
		appLog.Debug("events change: dropping duplicates", "before", len(events), "after", len(cleaned))
		if err := s.store.SetEvents(context.Background(), cleaned); err != nil {
			appLog.Error("events change: rewrite failed", err)
		}
		return
	}
	s.hub.Publish(notify.Message{Type: notify.EventsChanged, Count: len(events)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
