// Package schedule re-extracts watched pages on cron schedules, merging
// each batch into the stored event list.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ezcal/internal/config"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
	"ezcal/internal/orchestrator"
)

// Runner runs one extraction. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Extract(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Scheduler owns one cron entry per watched page.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates watches and registers them. Nothing runs until Start.
func New(runner Runner, watches []config.WatchConfig, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		runner: runner,
		ctx:    context.Background(),
	}

	for _, w := range watches {
		w := w
		if strings.TrimSpace(w.URL) == "" {
			return nil, fmt.Errorf("schedule: watch %q has no url", w.Name)
		}
		if _, err := s.cron.AddFunc(w.Cron, func() { s.run(s.context(), w) }); err != nil {
			return nil, fmt.Errorf("schedule: watch %q cron %q: %w", name(w), w.Cron, err)
		}
		appLog.Info("watch registered", "name", name(w), "url", appLog.RedactURL(w.URL), "cron", w.Cron)
	}
	return s, nil
}

// Len returns the number of registered watches.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs. Jobs see a context derived from ctx, so
// cancelling ctx aborts in-flight extractions.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// run is one tick. A busy orchestrator makes the tick a no-op; the next
// tick tries again.
func (s *Scheduler) run(ctx context.Context, w config.WatchConfig) {
	res, err := s.runner.Extract(ctx, orchestrator.Request{
		Target: model.Target{URL: w.URL},
		Keep:   true,
	})
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyExtracting):
		appLog.Info("watch skipped, extraction in progress", "name", name(w))
	case err != nil:
		appLog.Error("watch extraction failed", err, "name", name(w))
	default:
		appLog.Info("watch extraction done", "name", name(w), "outcome", res.Outcome, "count", len(res.Events))
	}
}

func name(w config.WatchConfig) string {
	if w.Name != "" {
		return w.Name
	}
	return appLog.RedactURL(w.URL)
}

// cronLogger sends cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
