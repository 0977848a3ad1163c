// Package runner executes scraping attempts: it drives each claimed attempt
// through fetch and extraction, records step events and diagnostics, and
// settles the attempt in a terminal state.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobsift/scrapeline/scrape/internal/events"
	"github.com/jobsift/scrapeline/scrape/internal/extractor"
	"github.com/jobsift/scrapeline/scrape/internal/fetch"
	"github.com/jobsift/scrapeline/scrape/internal/state"
	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// Error types recorded on failed attempts.
const (
	ErrTypeFetchFailed           = "FetchFailed"
	ErrTypeStrategyFailed        = "StrategyFailed"
	ErrTypeProviderError         = "ProviderError"
	ErrTypeAllProvidersExhausted = "AllProvidersExhausted"
	ErrTypeRetryBudgetExhausted  = "RetryBudgetExhausted"
	ErrTypeStaleAttempt          = "StaleAttempt"
)

// ExecConfig configures the per-attempt executor.
type ExecConfig struct {
	// Threshold is the confidence needed to accept a result outright.
	// Default: 0.6.
	Threshold float64
	// CacheTTL is the validity window for fetched pages. Default: 1h.
	CacheTTL time.Duration
	// RetryBackoff is the base delay before re-entering the fetch cycle
	// after a failed one; the n-th retry waits n times this. Default: 5s.
	RetryBackoff time.Duration
}

func (c *ExecConfig) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.6
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
}

// Executor runs one attempt end to end.
type Executor struct {
	store    *store.Store
	fetcher  *fetch.Fetcher
	cleaner  *fetch.Cleaner
	recorder *events.Recorder
	boards   []extractor.Strategy
	ai       extractor.Strategy
	cfg      ExecConfig
	newID    func() string
	logger   *slog.Logger
}

// NewExecutor creates an Executor. ai may be nil when no AI chain is
// configured; structured extraction then carries the whole load.
func NewExecutor(st *store.Store, fetcher *fetch.Fetcher, cleaner *fetch.Cleaner,
	recorder *events.Recorder, boards []extractor.Strategy, ai extractor.Strategy,
	cfg ExecConfig, newID func() string, logger *slog.Logger) *Executor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store: st, fetcher: fetcher, cleaner: cleaner, recorder: recorder,
		boards: boards, ai: ai, cfg: cfg, newID: newID, logger: logger,
	}
}

// cycleFailure describes one failed fetch/extract cycle.
type cycleFailure struct {
	step    string
	errType string
	err     error
}

func (f *cycleFailure) Error() string { return f.err.Error() }

// Execute drives an attempt from `fetching` to a terminal state, retrying
// failed cycles until the retry budget runs out. A lost status guard means
// another writer (admin mark-failed, reaper) took the attempt over; the
// executor then stops without touching it further.
func (e *Executor) Execute(ctx context.Context, a *store.Attempt) error {
	log := e.logger.With("attempt_id", a.ID, "url", a.URL)
	start := time.Now()
	defer e.recorder.Forget(a.ID)

	for {
		res, httpStatus, fail := e.runCycle(ctx, a)
		if fail == nil {
			return e.complete(ctx, a, res, httpStatus, time.Since(start).Milliseconds(), log)
		}

		log.Warn("cycle failed", "step", fail.step, "error_type", fail.errType, "error", fail.err)
		ok, err := e.store.TransitionAttempt(ctx, a.ID, a.Status, state.StatusRetrying)
		if err != nil {
			return err
		}
		if !ok {
			log.Info("attempt taken over during cycle, stopping")
			return nil
		}
		a.Status = state.StatusRetrying

		count, err := e.store.IncrementRetry(ctx, a.ID)
		if err != nil {
			return err
		}
		if count > a.MaxRetries {
			return e.deadLetter(ctx, a, fail, log)
		}

		if ok, err := e.store.TransitionAttempt(ctx, a.ID, state.StatusRetrying, state.StatusFetching); err != nil || !ok {
			return err
		}
		a.Status = state.StatusFetching
		log.Info("retrying attempt", "retry", count, "max_retries", a.MaxRetries)

		// Back off before the next cycle so a flapping upstream is not
		// hammered; the delay grows linearly with the retry count.
		if err := sleepCtx(ctx, e.cfg.RetryBackoff*time.Duration(count)); err != nil {
			return err
		}
	}
}

// RecoverOrphans requeues attempts a crashed worker left mid-cycle. Each
// orphan is charged one retry so repeated crashes on the same attempt
// cannot loop forever: past the budget it goes to the dead letter queue.
func (e *Executor) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := e.store.ListOrphans(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, a := range orphans {
		log := e.logger.With("attempt_id", a.ID, "orphaned_in", a.Status)

		step := store.EventHTMLFetch
		if a.Status == state.StatusExtracting {
			step = store.EventStructuredExtraction
		}
		ok, err := e.store.TransitionAttempt(ctx, a.ID, a.Status, state.StatusRetrying)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue // another writer settled it first
		}
		a.Status = state.StatusRetrying

		count, err := e.store.IncrementRetry(ctx, a.ID)
		if err != nil {
			return recovered, err
		}
		if count > a.MaxRetries {
			fail := &cycleFailure{step: step, errType: ErrTypeStaleAttempt,
				err: errors.New("orphaned by process restart")}
			if err := e.deadLetter(ctx, a, fail, log); err != nil {
				return recovered, err
			}
			e.recorder.Forget(a.ID)
			recovered++
			continue
		}

		if ok, err := e.store.TransitionAttempt(ctx, a.ID, state.StatusRetrying, state.StatusPending); err != nil {
			return recovered, err
		} else if ok {
			log.Warn("requeued orphan attempt", "retry", count)
			recovered++
		}
	}
	return recovered, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runCycle performs one fetch + extraction pass. On success it returns the
// accepted (or best fallback) result; on failure the cycleFailure says which
// step broke and why.
func (e *Executor) runCycle(ctx context.Context, a *store.Attempt) (*extractor.Result, int, *cycleFailure) {
	if fail := e.checkPermission(ctx, a); fail != nil {
		return nil, 0, fail
	}

	page, httpStatus, fail := e.fetchPage(ctx, a)
	if fail != nil {
		return nil, httpStatus, fail
	}

	ok, err := e.store.TransitionAttempt(ctx, a.ID, state.StatusFetching, state.StatusExtracting)
	if err != nil || !ok {
		return nil, httpStatus, &cycleFailure{
			step: store.EventHTMLFetch, errType: ErrTypeStaleAttempt,
			err: fmt.Errorf("attempt no longer fetching: %v", err),
		}
	}
	a.Status = state.StatusExtracting

	in := &extractor.Input{
		AttemptID:   a.ID,
		URL:         a.URL,
		Domain:      a.Domain,
		CleanedHTML: page.CleanedHTML,
		CleanedText: page.CleanedText,
	}

	structRes, structErr := e.runStructured(ctx, in, page)
	if structRes.Acceptable(e.cfg.Threshold) {
		return structRes, httpStatus, nil
	}

	aiRes, aiErr := e.runAI(ctx, in)

	// Nothing cleared the threshold outright. A weak result is still a
	// completion; only a total blank is a failure.
	if res := extractor.Resolve(e.cfg.Threshold, structRes, aiRes); res != nil {
		return res, httpStatus, nil
	}

	// The cycleFailure names the step that actually broke: the AI stage
	// when it ran and errored, otherwise the structured stage.
	step := store.EventStructuredExtraction
	errType := ErrTypeStrategyFailed
	err = structErr
	if aiErr != nil {
		step = store.EventAIExtraction
		err = aiErr
		errType = ErrTypeProviderError
		if errors.Is(aiErr, extractor.ErrAllProvidersExhausted) {
			errType = ErrTypeAllProvidersExhausted
		}
	}
	if err == nil {
		err = errors.New("no fields extracted")
	}
	return nil, httpStatus, &cycleFailure{step: step, errType: errType, err: err}
}

// checkPermission validates the attempt's URL before any network traffic.
// Enqueue validates too, but the attempt row is writable out of band, so
// the executor re-checks on every cycle.
func (e *Executor) checkPermission(ctx context.Context, a *store.Attempt) *cycleFailure {
	evID, err := e.recorder.Start(ctx, a.ID, store.EventPermissionCheck,
		map[string]string{"url": a.URL})
	if err != nil {
		return &cycleFailure{step: store.EventPermissionCheck, errType: ErrTypeFetchFailed, err: err}
	}
	if err := fetch.ValidateURL(a.URL); err != nil {
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeFetchFailed, err.Error())
		return &cycleFailure{step: store.EventPermissionCheck, errType: ErrTypeFetchFailed, err: err}
	}
	e.recorder.Finish(ctx, evID, store.EventSuccess, nil, "", "")
	return nil
}

// fetchPage serves the attempt's page from cache or fetches and caches it.
func (e *Executor) fetchPage(ctx context.Context, a *store.Attempt) (*store.Page, int, *cycleFailure) {
	evID, err := e.recorder.Start(ctx, a.ID, store.EventHTMLFetch, map[string]string{"url": a.URL})
	if err != nil {
		return nil, 0, &cycleFailure{step: store.EventHTMLFetch, errType: ErrTypeFetchFailed, err: err}
	}

	now := time.Now().UnixMilli()
	if cached, err := e.store.LatestValidPage(ctx, a.URL, now); err == nil && cached != nil {
		e.recorder.Finish(ctx, evID, store.EventSuccess,
			map[string]any{"cache_hit": true, "bytes": len(cached.RawHTML)}, "", "")
		return cached, cached.HTTPStatus, nil
	}

	res, err := e.fetcher.Fetch(ctx, a.URL)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeFetchFailed, err.Error())
		return nil, status, &cycleFailure{step: store.EventHTMLFetch, errType: ErrTypeFetchFailed, err: err}
	}

	cleaned, err := e.cleaner.Clean(res.Body, a.URL)
	if err != nil {
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeFetchFailed, err.Error())
		return nil, res.StatusCode, &cycleFailure{step: store.EventHTMLFetch, errType: ErrTypeFetchFailed, err: err}
	}

	page := &store.Page{
		ID:          e.newID(),
		URL:         a.URL,
		RawHTML:     string(res.Body),
		CleanedHTML: cleaned.CleanedHTML,
		CleanedText: cleaned.CleanedText,
		HTTPStatus:  res.StatusCode,
		ContentHash: res.Hash,
		FetchedAt:   now,
		ValidUntil:  now + e.cfg.CacheTTL.Milliseconds(),
	}
	if err := e.store.InsertPage(ctx, page); err != nil {
		// Cache write failure degrades to uncached operation.
		e.logger.Error("cache page", "url", a.URL, "error", err)
	}

	e.recorder.Finish(ctx, evID, store.EventSuccess, map[string]any{
		"cache_hit": false, "bytes": len(res.Body), "http_status": res.StatusCode,
		"size_before": cleaned.SizeBefore, "size_after": cleaned.SizeAfter,
	}, "", "")
	return page, res.StatusCode, nil
}

// runStructured tries the board extractors and records the diagnostic log.
// A nil result with nil error means no board extractor applies.
func (e *Executor) runStructured(ctx context.Context, in *extractor.Input, page *store.Page) (*extractor.Result, error) {
	var applicable extractor.Strategy
	for _, b := range e.boards {
		if b.Applies(in.Domain) {
			applicable = b
			break
		}
	}
	if applicable == nil {
		if err := e.recorder.Skip(ctx, in.AttemptID, store.EventStructuredExtraction,
			"no board extractor for domain "+in.Domain); err != nil {
			e.logger.Error("record skip", "error", err)
		}
		return nil, nil
	}

	evID, err := e.recorder.Start(ctx, in.AttemptID, store.EventStructuredExtraction,
		map[string]string{"strategy": applicable.Name()})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := applicable.Extract(ctx, in)
	durMs := time.Since(start).Milliseconds()
	if err != nil {
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeStrategyFailed, err.Error())
		e.writeHTMLLog(ctx, in, page, nil, durMs)
		return nil, err
	}

	e.writeHTMLLog(ctx, in, page, res, durMs)
	e.recorder.Finish(ctx, evID, store.EventSuccess, map[string]any{
		"confidence": res.Confidence, "fields_extracted": res.Extracted(),
	}, "", "")
	return res, nil
}

func (e *Executor) runAI(ctx context.Context, in *extractor.Input) (*extractor.Result, error) {
	if e.ai == nil {
		return nil, nil
	}
	evID, err := e.recorder.Start(ctx, in.AttemptID, store.EventAIExtraction, nil)
	if err != nil {
		return nil, err
	}
	res, err := e.ai.Extract(ctx, in)
	if err != nil {
		errType := ErrTypeProviderError
		if errors.Is(err, extractor.ErrAllProvidersExhausted) {
			errType = ErrTypeAllProvidersExhausted
		}
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, errType, err.Error())
		return nil, err
	}
	e.recorder.Finish(ctx, evID, store.EventSuccess, map[string]any{
		"confidence": res.Confidence, "provider": res.Provider,
	}, "", "")
	return res, nil
}

// writeHTMLLog records the diagnostic row for a structured extraction pass.
func (e *Executor) writeHTMLLog(ctx context.Context, in *extractor.Input, page *store.Page, res *extractor.Result, durMs int64) {
	l := &store.HTMLLog{
		ID:         e.newID(),
		AttemptID:  in.AttemptID,
		URL:        in.URL,
		Domain:     in.Domain,
		SizeBefore: len(page.RawHTML),
		SizeAfter:  len(page.CleanedHTML),
		DurationMs: durMs,
		Status:     "failed",
	}
	if res != nil {
		selectors := make(map[string]string)
		for name, f := range res.Fields {
			if f.Selector != "" {
				selectors[name] = f.Selector
			}
		}
		fieldsJSON, _ := json.Marshal(res.Fields)
		selectorsJSON, _ := json.Marshal(selectors)
		l.FieldsJSON = string(fieldsJSON)
		l.SelectorsJSON = string(selectorsJSON)
		l.FieldsAttempted = len(res.Fields)
		l.FieldsExtracted = res.Extracted()
		if l.FieldsExtracted > 0 {
			l.Status = "success"
		}
	}
	if err := e.store.InsertHTMLLog(ctx, l); err != nil {
		e.logger.Error("write html log", "attempt_id", in.AttemptID, "error", err)
	}
}

// complete settles a successful attempt.
func (e *Executor) complete(ctx context.Context, a *store.Attempt, res *extractor.Result, httpStatus int, totalMs int64, log *slog.Logger) error {
	evID, err := e.recorder.Start(ctx, a.ID, store.EventCompletion, nil)
	if err != nil {
		return err
	}
	if err := e.store.SetAttemptResult(ctx, a.ID, res.Method, res.Provider,
		res.Confidence, httpStatus, totalMs); err != nil {
		return err
	}
	ok, err := e.store.TransitionAttempt(ctx, a.ID, state.StatusExtracting, state.StatusCompleted)
	if err != nil {
		return err
	}
	if !ok {
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeStaleAttempt,
			"attempt taken over before completion")
		log.Info("attempt taken over before completion")
		return nil
	}
	e.recorder.Finish(ctx, evID, store.EventSuccess, map[string]any{
		"method": res.Method, "confidence": res.Confidence,
	}, "", "")
	log.Info("attempt completed", "method", res.Method,
		"provider", res.Provider, "confidence", res.Confidence)
	return nil
}

// deadLetter settles an attempt whose retry budget ran out.
func (e *Executor) deadLetter(ctx context.Context, a *store.Attempt, fail *cycleFailure, log *slog.Logger) error {
	evID, err := e.recorder.Start(ctx, a.ID, store.EventFailure,
		map[string]string{"failed_step": fail.step})
	if err != nil {
		return err
	}
	if err := e.store.SetAttemptError(ctx, a.ID, ErrTypeRetryBudgetExhausted,
		fail.err.Error(), fail.step); err != nil {
		return err
	}
	ok, err := e.store.TransitionAttempt(ctx, a.ID, state.StatusRetrying, state.StatusDeadLetter)
	if err != nil {
		return err
	}
	if !ok {
		e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeStaleAttempt,
			"attempt taken over before dead-letter")
		return nil
	}
	e.recorder.Finish(ctx, evID, store.EventFailed, nil, ErrTypeRetryBudgetExhausted, fail.err.Error())
	log.Error("attempt dead-lettered", "failed_step", fail.step,
		"error_type", fail.errType, "error", fail.err)
	return nil
}
