package reaper

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jobsift/scrapeline/scrape/internal/state"
	"github.com/jobsift/scrapeline/scrape/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
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
	return store.NewStore(db)
}

// testMarkFailed mimics the service's mark-failed: terminal attempts are a
// no-op reported as unchanged, everything else is forced to failed.
func testMarkFailed(st *store.Store) MarkFailed {
	return func(ctx context.Context, id, errorType, errorMessage string) (bool, error) {
		a, err := st.GetAttempt(ctx, id)
		if err != nil || a == nil {
			return false, err
		}
		if state.Terminal(a.Status) {
			return false, nil
		}
		if ok, err := st.TransitionAttempt(ctx, id, a.Status, state.StatusFailed); err != nil || !ok {
			return false, err
		}
		return true, st.SetAttemptError(ctx, id, errorType, errorMessage, "")
	}
}

func insertStale(t *testing.T, st *store.Store, id string, status state.Status, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	old := time.Now().Add(-age).UnixMilli()
	a := &store.Attempt{
		ID: id, JobListingID: "job-" + id, URL: "https://x.example/" + id,
		Domain: "x.example", Status: status, CreatedAt: old, UpdatedAt: old,
	}
	if err := st.InsertAttempt(ctx, a); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestSweepFailsStaleAttempts(t *testing.T) {
	st := newTestStore(t)
	r := New(st, testMarkFailed(st), nil, time.Minute, 10*time.Minute)

	insertStale(t, st, "stale", state.StatusFetching, 30*time.Minute)
	insertStale(t, st, "fresh", state.StatusFetching, time.Minute)
	insertStale(t, st, "done", state.StatusCompleted, 30*time.Minute)

	n, err := r.SweepOnce(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed %d attempts, want 1", n)
	}

	got, _ := st.GetAttempt(context.Background(), "stale")
	if got.Status != state.StatusFailed {
		t.Errorf("stale status = %s, want failed", got.Status)
	}
	if got.ErrorType != "StaleAttempt" {
		t.Errorf("error_type = %s", got.ErrorType)
	}
	fresh, _ := st.GetAttempt(context.Background(), "fresh")
	if fresh.Status != state.StatusFetching {
		t.Errorf("fresh attempt must be untouched, got %s", fresh.Status)
	}
	done, _ := st.GetAttempt(context.Background(), "done")
	if done.Status != state.StatusCompleted {
		t.Errorf("terminal attempt must be untouched, got %s", done.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	// WHY: overlapping sweeps (slow cycle, manual trigger) must not double-
	// count or disturb attempts already settled by the first pass.
	st := newTestStore(t)
	r := New(st, testMarkFailed(st), nil, time.Minute, 10*time.Minute)
	insertStale(t, st, "stale", state.StatusExtracting, 30*time.Minute)

	n1, err := r.SweepOnce(context.Background(), 0)
	if err != nil || n1 != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n1, err)
	}
	n2, err := r.SweepOnce(context.Background(), 0)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n2 != 0 {
		t.Errorf("second sweep failed %d attempts, want 0", n2)
	}
}

func TestSweepThresholdOverride(t *testing.T) {
	// An explicit staleness threshold applies to that sweep only; zero
	// falls back to the configured default.
	st := newTestStore(t)
	r := New(st, testMarkFailed(st), nil, time.Minute, 10*time.Minute)
	insertStale(t, st, "young", state.StatusFetching, 2*time.Minute)

	n, err := r.SweepOnce(context.Background(), 0)
	if err != nil || n != 0 {
		t.Fatalf("default sweep: n=%d err=%v, want 0/nil", n, err)
	}
	n, err = r.SweepOnce(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("override sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("override sweep failed %d attempts, want 1", n)
	}
	got, _ := st.GetAttempt(context.Background(), "young")
	if got.Status != state.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestSweepCountsOnlyTransitioned(t *testing.T) {
	// WHY: an attempt that settles terminal between the scan and the mark
	// is reported unchanged by the mark path and must not inflate the count.
	st := newTestStore(t)
	insertStale(t, st, "stale", state.StatusExtracting, 30*time.Minute)

	raced := func(ctx context.Context, id, errorType, errorMessage string) (bool, error) {
		return false, nil
	}
	r := New(st, raced, nil, time.Minute, 10*time.Minute)
	n, err := r.SweepOnce(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("failed count = %d, want 0 when nothing transitioned", n)
	}
}

func TestSweepEmptyDatabase(t *testing.T) {
	st := newTestStore(t)
	r := New(st, testMarkFailed(st), nil, 0, 0)
	n, err := r.SweepOnce(context.Background(), 0)
	if err != nil || n != 0 {
		t.Errorf("n=%d err=%v, want 0/nil", n, err)
	}
}
