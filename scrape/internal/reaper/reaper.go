// Package reaper detects attempts that stopped making progress and fails
// them so they cannot sit in a non-terminal state forever.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// MarkFailed is the single writer for stale-attempt failures. Injected from
// the service layer so the reaper and the admin surface share one code path.
// The bool reports whether the attempt was actually transitioned; attempts
// that settled terminal in the meantime return false.
type MarkFailed func(ctx context.Context, attemptID, errorType, errorMessage string) (bool, error)

// Reaper periodically fails attempts whose updated_at stopped moving.
type Reaper struct {
	store      *store.Store
	markFailed MarkFailed
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
}

// New creates a Reaper. staleAfter defaults to 10 minutes, interval to 1
// minute.
func New(st *store.Store, markFailed MarkFailed, logger *slog.Logger, interval, staleAfter time.Duration) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reaper{
		store:      st,
		markFailed: markFailed,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run launches the periodic sweep. Blocks until ctx.Done().
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper: started", "interval", r.interval, "stale_after", r.staleAfter)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper: stopped")
			return
		case <-ticker.C:
			n, err := r.SweepOnce(ctx, 0)
			if err != nil {
				r.logger.Warn("reaper: sweep", "error", err)
			} else if n > 0 {
				r.logger.Info("reaper: cycle done", "failed", n)
			}
			pruned, err := r.store.DeleteExpiredPages(ctx)
			if err != nil {
				r.logger.Warn("reaper: prune cache", "error", err)
			} else if pruned > 0 {
				r.logger.Info("reaper: pruned expired pages", "count", pruned)
			}
		}
	}
}

// SweepOnce fails every attempt stale beyond the threshold and returns how
// many it actually failed. staleAfter zero means the configured default; a
// positive value overrides it for this sweep only. Attempts that reach a
// terminal state between listing and marking are skipped by the mark path
// and not counted, so sweeping twice is harmless.
func (r *Reaper) SweepOnce(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = r.staleAfter
	}
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	stuck, err := r.store.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, a := range stuck {
		changed, err := r.markFailed(ctx, a.ID, "StaleAttempt",
			"no progress for over "+staleAfter.String())
		if err != nil {
			r.logger.Warn("reaper: mark failed", "attempt_id", a.ID, "error", err)
			continue
		}
		if !changed {
			continue // settled terminal between scan and mark
		}
		failed++
		r.logger.Info("reaper: failed stale attempt",
			"attempt_id", a.ID, "status", a.Status, "updated_at", a.UpdatedAt)
	}
	return failed, nil
}
