package runner

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"
	_ "modernc.org/sqlite"

	"github.com/jobsift/scrapeline/scrape/internal/events"
	"github.com/jobsift/scrapeline/scrape/internal/extractor"
	"github.com/jobsift/scrapeline/scrape/internal/fetch"
	"github.com/jobsift/scrapeline/scrape/internal/state"
	"github.com/jobsift/scrapeline/scrape/internal/store"
)

type env struct {
	store    *store.Store
	recorder *events.Recorder
	newID    func() string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	st := store.NewStore(db)

	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return &env{
		store:    st,
		recorder: events.NewRecorder(st, newID, nil),
		newID:    newID,
	}
}

func (e *env) newExecutor(boards []extractor.Strategy, ai extractor.Strategy, cfg ExecConfig) *Executor {
	// Keep retry waits negligible unless a test asks for real ones.
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return NewExecutor(e.store, fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		fetch.NewCleaner(), e.recorder, boards, ai, cfg, e.newID, nil)
}

// claim inserts an attempt and moves it to fetching, as the worker would.
func (e *env) claim(t *testing.T, id, domain, url string, maxRetries int) *store.Attempt {
	t.Helper()
	a := &store.Attempt{
		ID: id, JobListingID: "job-" + id, URL: url, Domain: domain,
		MaxRetries: maxRetries,
	}
	if err := e.store.InsertAttempt(context.Background(), a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, err := e.store.ClaimPending(context.Background(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d claimed)", err, len(claimed))
	}
	return claimed[0]
}

type fakeAI struct {
	fields map[string]extractor.FieldResult
	err    error
	calls  int
}

func (f *fakeAI) Name() string             { return "ai" }
func (f *fakeAI) Applies(string) bool      { return true }
func (f *fakeAI) Extract(ctx context.Context, in *extractor.Input) (*extractor.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &extractor.Result{Fields: f.fields, Method: store.MethodAI, Provider: "fake"}
	res.Score()
	return res, nil
}

const greenhousePage = `<html><body>
<h1 class="app-title">Platform Engineer</h1>
<span class="company-name">Acme Corp</span>
<div class="location">Berlin, Germany</div>
<div id="content"><p>Acme builds developer platforms. You will own the
deployment pipeline, work with Kubernetes, and keep the fleet healthy.
Several years of production experience expected.</p></div>
</body></html>`

func TestExecuteStructuredHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(greenhousePage))
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "boards.greenhouse.io", srv.URL, 2)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Method != store.MethodStructured {
		t.Errorf("method = %s, want structured", got.Method)
	}
	if got.Confidence == nil || *got.Confidence < 0.6 {
		t.Errorf("confidence = %v, want >= threshold", got.Confidence)
	}
	if got.HTTPStatus != 200 {
		t.Errorf("http_status = %d", got.HTTPStatus)
	}

	// Event trail: permission_check, html_fetch, structured_extraction,
	// completion.
	evs, _ := e.store.ListEvents(context.Background(), "a1")
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.EventType
		if ev.Status != store.EventSuccess {
			t.Errorf("event %s status = %s", ev.EventType, ev.Status)
		}
	}
	want := []string{store.EventPermissionCheck, store.EventHTMLFetch,
		store.EventStructuredExtraction, store.EventCompletion}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	logs, _ := e.store.ListHTMLLogs(context.Background(), "boards.greenhouse.io", 0, 10)
	if len(logs) != 1 || logs[0].Status != "success" {
		t.Errorf("html logs = %+v", logs)
	}
	if logs[0].FieldsExtracted == 0 || logs[0].ExtractionRate <= 0 {
		t.Errorf("diagnostics empty: %+v", logs[0])
	}
}

func TestExecuteAIPath(t *testing.T) {
	// WHAT: no board extractor matches the domain, so the structured step is
	// skipped and the AI strategy carries the extraction.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>We need a data engineer.</p></body></html>"))
	}))
	defer srv.Close()

	ai := &fakeAI{fields: map[string]extractor.FieldResult{
		extractor.FieldTitle:       {Value: "Data Engineer", Success: true},
		extractor.FieldCompany:     {Value: "Acme", Success: true},
		extractor.FieldDescription: {Value: "Pipelines", Success: true},
	}}

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), ai, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "careers.unknown-board.example", srv.URL, 2)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusCompleted || got.Method != store.MethodAI {
		t.Fatalf("status=%s method=%s, want completed/ai", got.Status, got.Method)
	}
	if got.Provider != "fake" {
		t.Errorf("provider = %s", got.Provider)
	}

	evs, _ := e.store.ListEvents(context.Background(), "a1")
	var skipped, aiEvents int
	for _, ev := range evs {
		if ev.EventType == store.EventStructuredExtraction && ev.Status == store.EventSkipped {
			skipped++
		}
		if ev.EventType == store.EventAIExtraction {
			aiEvents++
		}
	}
	if skipped != 1 || aiEvents != 1 {
		t.Errorf("skipped=%d ai=%d, want 1/1", skipped, aiEvents)
	}
}

func TestExecuteDeadLettersAfterRetryBudget(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "x.example", srv.URL, 2)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3 (budget 2 + the exhausting one)", got.RetryCount)
	}
	if got.ErrorType != ErrTypeRetryBudgetExhausted {
		t.Errorf("error_type = %s", got.ErrorType)
	}
	if got.FailedStep != store.EventHTMLFetch {
		t.Errorf("failed_step = %s", got.FailedStep)
	}
	if hits != 3 {
		t.Errorf("server hit %d times, want 3 (initial + 2 retries)", hits)
	}

	evs, _ := e.store.ListEvents(context.Background(), "a1")
	last := evs[len(evs)-1]
	if last.EventType != store.EventFailure || last.Status != store.EventFailed {
		t.Errorf("last event = %s/%s, want failure/failed", last.EventType, last.Status)
	}
}

func TestExecuteUsesCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(greenhousePage))
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6, CacheTTL: time.Hour})

	a1 := e.claim(t, "a1", "boards.greenhouse.io", srv.URL, 2)
	if err := exec.Execute(context.Background(), a1); err != nil {
		t.Fatalf("execute a1: %v", err)
	}
	a2 := e.claim(t, "a2", "boards.greenhouse.io", srv.URL, 2)
	if err := exec.Execute(context.Background(), a2); err != nil {
		t.Fatalf("execute a2: %v", err)
	}

	if hits != 1 {
		t.Errorf("server hit %d times, want 1 (second attempt served from cache)", hits)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a2")
	if got.Status != state.StatusCompleted {
		t.Errorf("cached attempt status = %s, want completed", got.Status)
	}
}

func TestExecuteFallbackBelowThreshold(t *testing.T) {
	// AI extracts a single field: below threshold, kept as a fallback
	// completion rather than failing the attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>vague posting</p></body></html>"))
	}))
	defer srv.Close()

	ai := &fakeAI{fields: map[string]extractor.FieldResult{
		extractor.FieldTitle: {Value: "Engineer", Success: true},
	}}
	e := newEnv(t)
	exec := e.newExecutor(nil, ai, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "x.example", srv.URL, 2)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusCompleted || got.Method != store.MethodFallback {
		t.Errorf("status=%s method=%s, want completed/fallback", got.Status, got.Method)
	}
	if got.Confidence == nil || *got.Confidence >= 0.6 {
		t.Errorf("confidence = %v, want below threshold", got.Confidence)
	}
}

func TestExecuteStopsWhenTakenOver(t *testing.T) {
	// WHAT: an admin force-fails the attempt mid-flight; the executor loses
	// its status guard and must stop without resurrecting the attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(greenhousePage))
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "boards.greenhouse.io", srv.URL, 2)

	// Simulate the takeover before execution starts: fetching -> failed.
	ok, err := e.store.TransitionAttempt(context.Background(), "a1", state.StatusFetching, state.StatusFailed)
	if err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusFailed {
		t.Errorf("status = %s, want failed (takeover must win)", got.Status)
	}
}

func TestWorkerProcessesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(greenhousePage))
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6})
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("a%d", i)
		err := e.store.InsertAttempt(context.Background(), &store.Attempt{
			ID: id, JobListingID: "job-" + id, URL: srv.URL,
			Domain: "boards.greenhouse.io", MaxRetries: 2,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	w := NewWorker(e.store, exec, WorkerConfig{BatchSize: 10, MaxConcurrency: 1}, nil)
	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	for i := 1; i <= 3; i++ {
		got, _ := e.store.GetAttempt(context.Background(), fmt.Sprintf("a%d", i))
		if got.Status != state.StatusCompleted {
			t.Errorf("attempt a%d status = %s, want completed", i, got.Status)
		}
	}
}

func TestExecuteAIExhaustedConsumesBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>posting</p></body></html>"))
	}))
	defer srv.Close()

	ai := &fakeAI{err: fmt.Errorf("chain: %w", extractor.ErrAllProvidersExhausted)}
	e := newEnv(t)
	exec := e.newExecutor(nil, ai, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "x.example", srv.URL, 1)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if ai.calls != 2 {
		t.Errorf("ai called %d times, want 2 (initial + 1 retry)", ai.calls)
	}
	if got.FailedStep != store.EventAIExtraction {
		t.Errorf("failed_step = %s, want ai_extraction", got.FailedStep)
	}
}

func TestExecuteRejectsBadURL(t *testing.T) {
	// The URL is re-validated before any network traffic; a row edited out
	// of band must not reach the fetcher.
	e := newEnv(t)
	exec := e.newExecutor(nil, nil, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "x.example", "ftp://x.example/j", 0)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if got.FailedStep != store.EventPermissionCheck {
		t.Errorf("failed_step = %s, want permission_check", got.FailedStep)
	}

	evs, _ := e.store.ListEvents(context.Background(), "a1")
	if len(evs) == 0 {
		t.Fatal("no events recorded")
	}
	if evs[0].EventType != store.EventPermissionCheck || evs[0].Status != store.EventFailed {
		t.Errorf("first event = %s/%s, want failed permission_check", evs[0].EventType, evs[0].Status)
	}
	for _, ev := range evs {
		if ev.EventType == store.EventHTMLFetch {
			t.Error("fetch must not run after a failed permission check")
		}
	}
}

func TestExecuteFailedStepNamesStructuredStage(t *testing.T) {
	// A board page with none of the expected markup fails in the structured
	// stage; with no AI configured the failed step must say so, not point
	// at a stage that never ran.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>nothing here</p></body></html>"))
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(extractor.Boards(), nil, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "boards.greenhouse.io", srv.URL, 0)

	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if got.FailedStep != store.EventStructuredExtraction {
		t.Errorf("failed_step = %s, want structured_extraction", got.FailedStep)
	}
}

func TestExecuteRetryBackoff(t *testing.T) {
	// Failed cycles wait before rerunning, and the wait grows with the
	// retry count: two retries at a 25ms base spend at least 75ms waiting.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newEnv(t)
	exec := e.newExecutor(nil, nil, ExecConfig{Threshold: 0.6, RetryBackoff: 25 * time.Millisecond})
	a := e.claim(t, "a1", "x.example", srv.URL, 2)

	start := time.Now()
	if err := exec.Execute(context.Background(), a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("execute returned after %v, want >= 75ms of backoff", elapsed)
	}
	got, _ := e.store.GetAttempt(context.Background(), "a1")
	if got.Status != state.StatusDeadLetter {
		t.Errorf("status = %s, want dead_letter", got.Status)
	}
}

func TestRecoverOrphans(t *testing.T) {
	// WHAT: attempts a crashed worker left mid-cycle go back to the claim
	// queue, each crash charged against the retry budget; an orphan past
	// the budget is dead-lettered instead of looping forever.
	e := newEnv(t)
	exec := e.newExecutor(nil, nil, ExecConfig{})
	ctx := context.Background()

	insert := func(id string, status state.Status, retryCount, maxRetries int) {
		err := e.store.InsertAttempt(ctx, &store.Attempt{
			ID: id, JobListingID: "job-" + id, URL: "https://x.example/" + id,
			Domain: "x.example", Status: status,
			RetryCount: retryCount, MaxRetries: maxRetries,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("fresh", state.StatusFetching, 0, 2)
	insert("spent", state.StatusExtracting, 5, 2)
	insert("done", state.StatusCompleted, 0, 2)

	n, err := exec.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d attempts, want 2", n)
	}

	fresh, _ := e.store.GetAttempt(ctx, "fresh")
	if fresh.Status != state.StatusPending {
		t.Errorf("fresh status = %s, want pending", fresh.Status)
	}
	if fresh.RetryCount != 1 {
		t.Errorf("fresh retry_count = %d, want 1 (crash charged)", fresh.RetryCount)
	}

	spent, _ := e.store.GetAttempt(ctx, "spent")
	if spent.Status != state.StatusDeadLetter {
		t.Errorf("spent status = %s, want dead_letter", spent.Status)
	}
	if spent.ErrorType != ErrTypeRetryBudgetExhausted {
		t.Errorf("spent error_type = %s", spent.ErrorType)
	}
	if spent.FailedStep != store.EventStructuredExtraction {
		t.Errorf("spent failed_step = %s", spent.FailedStep)
	}

	done, _ := e.store.GetAttempt(ctx, "done")
	if done.Status != state.StatusCompleted {
		t.Errorf("terminal attempt = %s, must stay completed", done.Status)
	}
}

func TestExecuteProviderFailoverOnTrail(t *testing.T) {
	// WHAT: the structured stage comes up empty, the first provider errors,
	// the backup answers. The attempt completes on the backup and the
	// errored provider call is visible on the trail as a failed event.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>vague posting</p></body></html>"))
	}))
	defer srv.Close()

	e := newEnv(t)
	ctx := context.Background()
	seedAIProvider(t, e.store, "primary", "openai", 10)
	seedAIProvider(t, e.store, "backup", "ollama", 20)

	factory := func(ctx context.Context, cfg *store.ProviderConfig) (llms.Model, error) {
		if cfg.Provider == "openai" {
			return &stubModel{err: fmt.Errorf("rate limited")}, nil
		}
		return &stubModel{resp: `{"title":"SRE","company":"Acme","description":"Keep the fleet healthy"}`}, nil
	}
	ai := extractor.NewAI(e.store, factory, e.newID, nil)
	ai.OnProviderFailure = func(ctx context.Context, in *extractor.Input, cfg *store.ProviderConfig, err error) {
		e.recorder.Fail(ctx, in.AttemptID, store.EventAIExtraction,
			map[string]string{"provider": cfg.Provider}, ErrTypeProviderError, err.Error())
	}

	exec := e.newExecutor(nil, ai, ExecConfig{Threshold: 0.6})
	a := e.claim(t, "a1", "x.example", srv.URL, 2)

	if err := exec.Execute(ctx, a); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := e.store.GetAttempt(ctx, "a1")
	if got.Status != state.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Provider != "ollama" {
		t.Errorf("provider = %s, want ollama (the backup)", got.Provider)
	}

	evs, _ := e.store.ListEvents(ctx, "a1")
	var aiFailed, aiSucceeded int
	for _, ev := range evs {
		if ev.EventType != store.EventAIExtraction {
			continue
		}
		switch ev.Status {
		case store.EventFailed:
			aiFailed++
			if ev.ErrorType != ErrTypeProviderError {
				t.Errorf("failed ai event error_type = %s", ev.ErrorType)
			}
		case store.EventSuccess:
			aiSucceeded++
		}
	}
	if aiFailed != 1 || aiSucceeded != 1 {
		t.Errorf("ai events failed=%d succeeded=%d, want 1/1", aiFailed, aiSucceeded)
	}
}

type stubModel struct {
	resp string
	err  error
}

func (m *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.resp}}}, nil
}

func (m *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.resp, nil
}

func seedAIProvider(t *testing.T, st *store.Store, name, provider string, priority int) {
	t.Helper()
	err := st.InsertProviderConfig(context.Background(), &store.ProviderConfig{
		ID: "cfg-" + name, Name: name, Provider: provider, Model: "m",
		Priority: priority, TimeoutMs: 5000, MaxTokens: 500, Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed provider %s: %v", name, err)
	}
}
