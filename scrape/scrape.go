// Package scrape orchestrates job listing extraction: attempts are enqueued
// per listing, a worker pool drives them through fetch and extraction, and
// every step is recorded as a queryable event trail.
package scrape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jobsift/scrapeline/idgen"
	"github.com/jobsift/scrapeline/scrape/internal/events"
	"github.com/jobsift/scrapeline/scrape/internal/extractor"
	"github.com/jobsift/scrapeline/scrape/internal/fetch"
	"github.com/jobsift/scrapeline/scrape/internal/reaper"
	"github.com/jobsift/scrapeline/scrape/internal/runner"
	"github.com/jobsift/scrapeline/scrape/internal/state"
	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// ErrTypeManuallyMarkedFailed is recorded when an operator force-fails an
// attempt.
const ErrTypeManuallyMarkedFailed = "ManuallyMarkedFailed"

// Service is the scraping pipeline orchestrator.
type Service struct {
	store    *store.Store
	recorder *events.Recorder
	worker   *runner.Worker
	reaper   *reaper.Reaper
	logger   *slog.Logger
	config   *Config
	newID    func() string

	modelFactory extractor.ModelFactory

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithModelFactory overrides how AI provider clients are built. Used by
// tests and by deployments with custom model endpoints.
func WithModelFactory(f extractor.ModelFactory) ServiceOption {
	return func(s *Service) { s.modelFactory = f }
}

// WithIDGenerator overrides ID generation.
func WithIDGenerator(f func() string) ServiceOption {
	return func(s *Service) { s.newID = f }
}

// New creates a Service on the given database, applying the schema if
// needed.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	st := store.NewStore(db)

	svc := &Service{
		store:  st,
		logger: logger,
		config: cfg,
		newID:  idgen.Default,
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.recorder = events.NewRecorder(st, svc.newID, logger)

	ai := extractor.NewAI(st, svc.modelFactory, svc.newID, logger)
	// Each provider that errors before fallback leaves a failed event on the
	// attempt's trail, so the timeline shows which providers were tried.
	ai.OnProviderFailure = func(ctx context.Context, in *extractor.Input, pc *store.ProviderConfig, err error) {
		if recErr := svc.recorder.Fail(ctx, in.AttemptID, store.EventAIExtraction,
			map[string]string{"provider": pc.Provider, "model": pc.Model},
			runner.ErrTypeProviderError, err.Error()); recErr != nil {
			logger.Error("record provider failure", "attempt_id", in.AttemptID, "error", recErr)
		}
	}
	executor := runner.NewExecutor(
		st,
		fetch.New(cfg.Fetch),
		fetch.NewCleaner(),
		svc.recorder,
		extractor.Boards(),
		ai,
		runner.ExecConfig{
			Threshold:    cfg.AcceptThreshold,
			CacheTTL:     cfg.CacheTTL,
			RetryBackoff: cfg.RetryBackoff,
		},
		svc.newID,
		logger,
	)
	svc.worker = runner.NewWorker(st, executor, cfg.Worker, logger)
	svc.reaper = reaper.New(st, svc.markFailedInternal, logger, cfg.ReapInterval, cfg.StaleAfter)

	return svc, nil
}

// Start launches the worker pool and the reaper. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go func() {
		defer close(s.done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.worker.Run(runCtx)
		}()
		go func() {
			defer wg.Done()
			s.reaper.Run(runCtx)
		}()
		wg.Wait()
	}()
}

// Close stops the background loops and waits for them to exit.
func (s *Service) Close() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
}

// EnqueueExtraction creates a pending attempt for a job listing. A listing
// with an attempt still in flight is rejected; callers retry after it
// settles.
func (s *Service) EnqueueExtraction(ctx context.Context, jobListingID, rawURL string) (*store.Attempt, error) {
	if strings.TrimSpace(jobListingID) == "" {
		return nil, fmt.Errorf("%w: empty job listing id", ErrInvalidInput)
	}
	if err := fetch.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	active, err := s.store.ActiveAttemptForListing(ctx, jobListingID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: attempt %s is %s", ErrAttemptActive, active.ID, active.Status)
	}

	a := &store.Attempt{
		ID:           s.newID(),
		JobListingID: jobListingID,
		URL:          rawURL,
		Domain:       strings.ToLower(u.Hostname()),
		MaxRetries:   s.config.MaxRetries,
	}
	if err := s.store.InsertAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	s.logger.Info("attempt enqueued", "attempt_id", a.ID,
		"job_listing_id", jobListingID, "domain", a.Domain)
	return a, nil
}

// GetAttempt returns an attempt by ID.
func (s *Service) GetAttempt(ctx context.Context, id string) (*store.Attempt, error) {
	a, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// MarkFailed force-fails a non-terminal attempt and closes its open events.
// Terminal attempts are left untouched: a completion that raced the admin
// action wins.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "marked failed by operator"
	}
	_, err := s.markFailedInternal(ctx, id, ErrTypeManuallyMarkedFailed, reason)
	return err
}

// markFailedInternal is the single writer for forced failures, shared with
// the reaper. The bool reports whether this call transitioned the attempt;
// an attempt already terminal (or settled terminal by a racing writer) is
// left alone and reported unchanged.
func (s *Service) markFailedInternal(ctx context.Context, id, errorType, errorMessage string) (bool, error) {
	a, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, ErrNotFound
	}
	if state.Terminal(a.Status) {
		return false, nil
	}

	ok, err := s.store.TransitionAttempt(ctx, id, a.Status, state.StatusFailed)
	if err != nil {
		return false, err
	}
	if !ok {
		// The attempt moved while we looked at it. Reload once; if it
		// settled terminal the race is resolved, otherwise report it.
		reloaded, err := s.store.GetAttempt(ctx, id)
		if err != nil {
			return false, err
		}
		if reloaded != nil && state.Terminal(reloaded.Status) {
			return false, nil
		}
		return false, fmt.Errorf("attempt %s changed state during mark-failed", id)
	}

	if err := s.store.SetAttemptError(ctx, id, errorType, errorMessage, ""); err != nil {
		return true, err
	}
	n, err := s.store.ForceFailOpenEvents(ctx, id, errorType, errorMessage)
	if err != nil {
		return true, err
	}
	// The forced transition itself goes on the trail, even when no step
	// was open to close.
	if err := s.recorder.Fail(ctx, id, store.EventFailure, nil, errorType, errorMessage); err != nil {
		s.logger.Error("record forced failure", "attempt_id", id, "error", err)
	}
	s.recorder.Forget(id)
	s.logger.Info("attempt marked failed", "attempt_id", id,
		"error_type", errorType, "events_closed", n)
	return true, nil
}

// RetryAttempt spawns a fresh attempt for the listing of a failed one.
// Terminal states stay frozen; retry never mutates the old attempt.
// Dead-lettered attempts exhausted their budget and are not retryable
// through this path.
func (s *Service) RetryAttempt(ctx context.Context, id string) (*store.Attempt, error) {
	a, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if a.Status != state.StatusFailed {
		return nil, fmt.Errorf("%w: attempt is %s", ErrNotRetryable, a.Status)
	}
	return s.EnqueueExtraction(ctx, a.JobListingID, a.URL)
}

// CleanupStuck runs one reaper sweep immediately and returns how many
// attempts it failed. A positive staleAfter overrides the configured
// staleness threshold for this sweep; zero uses the default.
func (s *Service) CleanupStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	return s.reaper.SweepOnce(ctx, staleAfter)
}

// AttemptTimeline reconstructs the step timeline of an attempt.
func (s *Service) AttemptTimeline(ctx context.Context, id string) (*events.Timeline, error) {
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return nil, err
	}
	return events.BuildTimeline(ctx, s.store, id)
}

// Events returns the raw event rows of an attempt in step order.
func (s *Service) Events(ctx context.Context, id string) ([]*store.Event, error) {
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ListAttempts returns a listing's attempts, newest first.
func (s *Service) ListAttempts(ctx context.Context, jobListingID string, limit int) ([]*store.Attempt, error) {
	return s.store.ListAttemptsForListing(ctx, jobListingID, limit)
}

// DomainStats aggregates attempt outcomes for one domain over the trailing
// window.
func (s *Service) DomainStats(ctx context.Context, domain string, window time.Duration) (*store.DomainStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window).UnixMilli()
	return s.store.DomainStatsSince(ctx, strings.ToLower(domain), since)
}

// FieldStats aggregates per-field extraction rates over the trailing window.
func (s *Service) FieldStats(ctx context.Context, window time.Duration) ([]store.FieldStat, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window).UnixMilli()
	return s.store.FieldStatsSince(ctx, since, 1000)
}

// ProviderStats aggregates AI provider call outcomes over the trailing
// window.
func (s *Service) ProviderStats(ctx context.Context, window time.Duration) ([]store.ProviderStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window).UnixMilli()
	return s.store.ProviderStatsSince(ctx, since)
}

// SeedProviders inserts the given provider configs if none exist yet.
func (s *Service) SeedProviders(ctx context.Context, configs []*store.ProviderConfig) error {
	n, err := s.store.CountProviderConfigs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, c := range configs {
		if c.ID == "" {
			c.ID = s.newID()
		}
		if err := s.store.InsertProviderConfig(ctx, c); err != nil {
			return fmt.Errorf("seed provider %s: %w", c.Name, err)
		}
	}
	s.logger.Info("seeded provider configs", "count", len(configs))
	return nil
}
