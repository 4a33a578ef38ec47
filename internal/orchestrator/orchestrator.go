// Package orchestrator runs one event extraction at a time: it resolves the
// target page, reads its content, asks the model for events, falls back to
// raw HTML when the primary path fails, and records the outcome.
//
// The serializable part of the state is written to the store on every
// transition. The cancellation handle only lives in memory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ezcal/internal/content"
	"ezcal/internal/dedupe"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
	"ezcal/internal/notify"
	"ezcal/internal/store"
)

var (
	// ErrAlreadyExtracting rejects a request while another run is active.
	ErrAlreadyExtracting = errors.New("orchestrator: extraction already in progress")
	// ErrScriptingUnavailable is returned when a run needs the browser
	// integration and none is configured.
	ErrScriptingUnavailable = errors.New("orchestrator: scripting API not available")
	// ErrNoTarget is returned when a request names neither a tab nor a URL.
	ErrNoTarget = errors.New("orchestrator: no tab or URL to extract from")
)

// ConfigError reports missing or blank credentials.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "orchestrator: API keys not configured: " + strings.Join(e.Missing, ", ")
}

// Phase is the step the current run is in.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseRequested          Phase = "requested"
	PhaseFetchingContent    Phase = "fetching_content"
	PhaseExtractingViaModel Phase = "extracting_via_model"
	PhaseFallbackFetch      Phase = "fallback_fetch"
	PhaseFallbackExtract    Phase = "fallback_extract"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
	PhaseCancelled          Phase = "cancelled"
)

// Outcome tags a finished run that did not fail.
type Outcome string

const (
	OutcomeEvents    Outcome = "events"
	OutcomeEmpty     Outcome = "empty"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what a run produced. Events is only set for OutcomeEvents and
// holds the batch as extracted, before any merge with the stored list.
type Result struct {
	Outcome Outcome
	Events  []model.Event
}

// Request asks for one extraction. Keep merges the batch into the stored
// list instead of replacing it.
type Request struct {
	Target model.Target
	Keep   bool
}

// Fetcher is the content-fetch service.
type Fetcher interface {
	Scrape(ctx context.Context, apiKey, pageURL string, format content.Format) (content.Page, error)
}

// Extractor is the model-extraction service.
type Extractor interface {
	ExtractMarkdown(ctx context.Context, apiKey, text, sourceURL string) ([]model.Event, error)
	ExtractHTML(ctx context.Context, apiKey, html, sourceURL string) ([]model.Event, error)
}

// Store is the durable state the orchestrator reads and writes.
type Store interface {
	Credential(ctx context.Context, key string) (string, error)
	Events(ctx context.Context) ([]model.Event, error)
	SetEvents(ctx context.Context, events []model.Event) error
	ExtractionState(ctx context.Context) (model.ExtractionState, error)
	SetExtractionState(ctx context.Context, st model.ExtractionState) error
	SetExtracting(ctx context.Context, v bool) error
}

// Deps are the collaborators of an Orchestrator. Browser and Publisher are
// optional.
type Deps struct {
	Store     Store
	Fetcher   Fetcher
	Extractor Extractor
	Browser   content.Browser
	Publisher notify.Publisher

	// WebmailHosts extends content.WebmailHosts.
	WebmailHosts []string

	Now      func() time.Time
	NewRunID func() string
}

type Orchestrator struct {
	deps Deps

	mu     sync.Mutex
	state  model.ExtractionState
	phase  Phase
	cancel context.CancelFunc
}

func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	return &Orchestrator{deps: deps, phase: PhaseIdle}
}

// State returns a copy of the current state and phase.
func (o *Orchestrator) State() (model.ExtractionState, Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.phase
}

type credentials struct {
	firecrawl string
	mistral   string
}

// Extract runs one extraction to completion. It returns ErrAlreadyExtracting
// without touching the running extraction when one is active. Missing
// credentials, tab lookup failures and a missing browser are errors; every
// other failure ends as OutcomeEmpty.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (Result, error) {
	if req.Target.TabID == "" && strings.TrimSpace(req.Target.URL) == "" {
		return Result{}, ErrNoTarget
	}
	// State writes must land even when the caller has gone away.
	bg := context.WithoutCancel(ctx)

	o.mu.Lock()
	if o.state.IsExtracting {
		o.mu.Unlock()
		return Result{}, ErrAlreadyExtracting
	}
	runID := o.deps.NewRunID()
	runCtx, cancel := context.WithCancel(ctx)
	o.state = model.ExtractionState{
		IsExtracting: true,
		TabID:        req.Target.TabID,
		URL:          strings.TrimSpace(req.Target.URL),
		StartTime:    o.deps.Now(),
		RunID:        runID,
	}
	o.phase = PhaseRequested
	o.cancel = cancel
	o.saveLocked(bg)
	o.mu.Unlock()
	defer cancel()

	appLog.Info("extraction requested", "run", runID, "tab", req.Target.TabID, "url", appLog.RedactURL(req.Target.URL))
	o.publish(notify.Message{Type: notify.StateChanged, TabID: req.Target.TabID, URL: req.Target.URL})

	events, err := o.run(runCtx, runID, req)
	return o.finish(bg, runID, req, events, err)
}

func (o *Orchestrator) run(ctx context.Context, runID string, req Request) ([]model.Event, error) {
	target := req.Target
	target.URL = strings.TrimSpace(target.URL)

	if target.URL == "" && o.deps.Browser == nil {
		return nil, ErrScriptingUnavailable
	}

	keys, err := o.credentials(ctx)
	if err != nil {
		return nil, err
	}

	if target.URL == "" {
		u, err := o.deps.Browser.TabURL(ctx, target.TabID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: look up tab %s: %w", target.TabID, err)
		}
		if strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("orchestrator: tab %s has no URL: %w", target.TabID, content.ErrTabNotFound)
		}
		target.URL = strings.TrimSpace(u)
		o.update(ctx, runID, func(st *model.ExtractionState) { st.URL = target.URL })
	}

	webmail := content.IsWebmail(target.URL, o.deps.WebmailHosts...)
	if webmail && o.deps.Browser == nil {
		return nil, ErrScriptingUnavailable
	}

	if !o.started(ctx, runID, req, target) {
		return nil, ctx.Err()
	}

	o.setPhase(runID, PhaseFetchingContent)
	events, ok := o.primary(ctx, runID, keys, target, webmail)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ok || webmail {
		return events, nil
	}

	events = o.fallback(ctx, runID, keys, target)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return events, nil
}

// credentials reads both API keys concurrently. Blank keys are reported as
// a *ConfigError.
func (o *Orchestrator) credentials(ctx context.Context) (credentials, error) {
	var keys credentials
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := o.deps.Store.Credential(gctx, store.KeyFirecrawlAPIKey)
		keys.firecrawl = v
		return err
	})
	g.Go(func() error {
		v, err := o.deps.Store.Credential(gctx, store.KeyMistralAPIKey)
		keys.mistral = v
		return err
	})
	if err := g.Wait(); err != nil {
		return credentials{}, fmt.Errorf("orchestrator: read credentials: %w", err)
	}

	var missing []string
	if keys.firecrawl == "" {
		missing = append(missing, store.KeyFirecrawlAPIKey)
	}
	if keys.mistral == "" {
		missing = append(missing, store.KeyMistralAPIKey)
	}
	if len(missing) > 0 {
		return credentials{}, &ConfigError{Missing: missing}
	}
	return keys, nil
}

// started clears the stored list (unless the request keeps it), raises the
// extracting flag and announces the run. It reports false when the run was
// cancelled before it got here.
func (o *Orchestrator) started(ctx context.Context, runID string, req Request, target model.Target) bool {
	bg := context.WithoutCancel(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.RunID != runID || ctx.Err() != nil {
		return false
	}
	if !req.Keep {
		if err := o.deps.Store.SetEvents(bg, nil); err != nil {
			appLog.Error("clear events failed", err, "run", runID)
		}
	}
	if err := o.deps.Store.SetExtracting(bg, true); err != nil {
		appLog.Error("set extracting flag failed", err, "run", runID)
	}
	o.publish(notify.Message{Type: notify.ExtractionStarted, TabID: target.TabID, URL: target.URL})
	return true
}

// primary reads the page as text (webmail through the browser, everything
// else as markdown through the fetch service) and extracts from it. ok is
// false when any step failed or produced no events.
func (o *Orchestrator) primary(ctx context.Context, runID string, keys credentials, target model.Target, webmail bool) ([]model.Event, bool) {
	var text string
	if webmail {
		pageText, err := o.deps.Browser.PageText(ctx, target)
		if err != nil {
			appLog.Warn("webmail text read failed", "run", runID, "err", err)
			return nil, false
		}
		text = pageText
	} else {
		page, err := o.deps.Fetcher.Scrape(ctx, keys.firecrawl, target.URL, content.FormatMarkdown)
		if err != nil {
			appLog.Warn("markdown fetch failed", "run", runID, "url", appLog.RedactURL(target.URL), "err", err)
			return nil, false
		}
		text = page.Content
	}
	if strings.TrimSpace(text) == "" {
		appLog.Info("primary content empty", "run", runID, "webmail", webmail)
		return nil, false
	}

	o.setPhase(runID, PhaseExtractingViaModel)
	events, err := o.deps.Extractor.ExtractMarkdown(ctx, keys.mistral, content.Limit(text), target.URL)
	if err != nil {
		appLog.Warn("markdown extraction failed", "run", runID, "err", err)
		return nil, false
	}
	if len(events) == 0 {
		appLog.Info("no events in primary content", "run", runID, "webmail", webmail)
		return nil, false
	}
	return events, true
}

// fallback fetches raw HTML and extracts from it. Failures yield no events.
func (o *Orchestrator) fallback(ctx context.Context, runID string, keys credentials, target model.Target) []model.Event {
	o.setPhase(runID, PhaseFallbackFetch)
	page, err := o.deps.Fetcher.Scrape(ctx, keys.firecrawl, target.URL, content.FormatHTML)
	if err != nil {
		appLog.Warn("html fetch failed", "run", runID, "url", appLog.RedactURL(target.URL), "err", err)
		return nil
	}
	if strings.TrimSpace(page.Content) == "" {
		return nil
	}

	o.setPhase(runID, PhaseFallbackExtract)
	events, err := o.deps.Extractor.ExtractHTML(ctx, keys.mistral, content.Limit(page.Content), target.URL)
	if err != nil {
		appLog.Warn("html extraction failed", "run", runID, "err", err)
		return nil
	}
	return events
}

// finish records the outcome of run runID and resets to idle. A run that
// was cancelled, or replaced after a cancel, writes nothing.
func (o *Orchestrator) finish(ctx context.Context, runID string, req Request, events []model.Event, runErr error) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.RunID != runID {
		appLog.Info("extraction cancelled", "run", runID)
		return Result{Outcome: OutcomeCancelled}, nil
	}

	target := model.Target{TabID: o.state.TabID, URL: o.state.URL}
	msg := notify.Message{TabID: target.TabID, URL: target.URL}
	var res Result
	switch {
	case errors.Is(runErr, context.Canceled):
		o.phase = PhaseCancelled
		res = Result{Outcome: OutcomeCancelled}
		msg.Type = notify.StateChanged
		appLog.Info("extraction cancelled", "run", runID)
	case runErr != nil:
		o.phase = PhaseFailed
		msg.Type = notify.ExtractionFailed
		msg.Error = runErr.Error()
		appLog.Error("extraction failed", runErr, "run", runID)
	case len(events) == 0:
		o.phase = PhaseCompleted
		res = Result{Outcome: OutcomeEmpty}
		msg.Type = notify.NoEventsFound
		appLog.Info("no events found", "run", runID, "url", appLog.RedactURL(target.URL))
	default:
		o.phase = PhaseCompleted
		if err := o.storeEventsLocked(ctx, req, events); err != nil {
			appLog.Error("store events failed", err, "run", runID)
		}
		res = Result{Outcome: OutcomeEvents, Events: events}
		msg.Type = notify.EventsExtracted
		msg.Count = len(events)
		appLog.Info("events extracted", "run", runID, "count", len(events))
	}

	o.resetLocked(ctx)
	o.phase = PhaseIdle
	o.publish(msg)

	if res.Outcome == "" {
		return Result{}, runErr
	}
	return res, nil
}

// storeEventsLocked replaces the stored list with events, or merges them
// into it for Keep requests.
func (o *Orchestrator) storeEventsLocked(ctx context.Context, req Request, events []model.Event) error {
	if !req.Keep {
		return o.deps.Store.SetEvents(ctx, events)
	}
	existing, err := o.deps.Store.Events(ctx)
	if err != nil {
		return err
	}
	return o.deps.Store.SetEvents(ctx, dedupe.Merge(existing, events))
}

// Cancel aborts the running extraction, if any, and resets to idle
// immediately. Partial results of the aborted run are discarded.
func (o *Orchestrator) Cancel(ctx context.Context) model.ExtractionState {
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	if o.state.IsExtracting {
		appLog.Info("extraction cancel requested", "run", o.state.RunID)
		o.phase = PhaseCancelled
	}
	o.resetLocked(ctx)
	o.phase = PhaseIdle
	o.publish(notify.Message{Type: notify.StateChanged})
	return o.state
}

// Recover loads the persisted state after a restart. The run it describes
// cannot be resumed or cancelled, so an interrupted run is reset to idle.
func (o *Orchestrator) Recover(ctx context.Context) error {
	st, err := o.deps.Store.ExtractionState(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load state: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsExtracting {
		return nil
	}
	if !st.IsExtracting {
		o.state = st
		return nil
	}
	appLog.Warn("previous extraction was interrupted, resetting",
		"run", st.RunID, "url", appLog.RedactURL(st.URL), "started", st.StartTime.Format(time.RFC3339))
	o.resetLocked(ctx)
	return nil
}

// resetLocked returns to idle and persists it. o.mu must be held.
func (o *Orchestrator) resetLocked(ctx context.Context) {
	o.state = model.ExtractionState{}
	o.cancel = nil
	o.saveLocked(ctx)
	if err := o.deps.Store.SetExtracting(ctx, false); err != nil {
		appLog.Error("clear extracting flag failed", err)
	}
}

// saveLocked persists the serializable state. o.mu must be held so writes
// land in transition order.
func (o *Orchestrator) saveLocked(ctx context.Context) {
	if err := o.deps.Store.SetExtractionState(ctx, o.state); err != nil {
		appLog.Error("persist extraction state failed", err, "run", o.state.RunID)
	}
}

func (o *Orchestrator) setPhase(runID string, p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.RunID != runID {
		return
	}
	o.phase = p
	appLog.Debug("extraction phase", "run", runID, "phase", p)
}

func (o *Orchestrator) update(ctx context.Context, runID string, fn func(*model.ExtractionState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.RunID != runID {
		return
	}
	fn(&o.state)
	o.saveLocked(context.WithoutCancel(ctx))
}

func (o *Orchestrator) publish(m notify.Message) {
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(m)
	}
}
