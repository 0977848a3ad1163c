package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jobsift/scrapeline/dbopen"
	"github.com/jobsift/scrapeline/scrape/internal/state"
)

const attemptColumns = `id, job_listing_id, url, domain, method, provider,
	http_status, confidence, error_type, error_message, failed_step,
	retry_count, max_retries, duration_ms, status, created_at, updated_at`

// InsertAttempt persists a new attempt. CreatedAt/UpdatedAt default to now.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt) error {
	now := time.Now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = now
	}
	if a.Status == "" {
		a.Status = state.StatusPending
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scraping_attempts
			(id, job_listing_id, url, domain, method, provider, http_status,
			 confidence, error_type, error_message, failed_step, retry_count,
			 max_retries, duration_ms, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.JobListingID, a.URL, a.Domain, a.Method, a.Provider, a.HTTPStatus,
		a.Confidence, a.ErrorType, a.ErrorMessage, a.FailedStep, a.RetryCount,
		a.MaxRetries, a.DurationMs, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetAttempt retrieves an attempt by ID. Returns nil if not found.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM scraping_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ActiveAttemptForListing returns the most recent non-terminal attempt for a
// job listing, or nil. Used as a soft single-flight check, not a lock.
func (s *Store) ActiveAttemptForListing(ctx context.Context, jobListingID string) (*Attempt, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM scraping_attempts
		WHERE job_listing_id = ? AND status IN ('pending','fetching','extracting','retrying')
		ORDER BY created_at DESC LIMIT 1`, jobListingID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// TransitionAttempt moves an attempt along one legal edge. The UPDATE is
// guarded by the expected current status, so a racing writer loses cleanly:
// the method returns false (and no error) when the row was not in `from`.
func (s *Store) TransitionAttempt(ctx context.Context, id string, from, to state.Status) (bool, error) {
	if !state.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	// The transition UPDATE is the hottest write in the pipeline; retry it
	// through the BUSY backoff helper instead of failing on lock contention.
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE scraping_attempts SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimPending claims up to limit pending attempts by transitioning them to
// fetching. Each claim is an individually guarded UPDATE, so concurrent
// workers never claim the same attempt twice.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM scraping_attempts WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*Attempt
	for _, id := range ids {
		ok, err := s.TransitionAttempt(ctx, id, state.StatusPending, state.StatusFetching)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // another worker won the race
		}
		a, err := s.GetAttempt(ctx, id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			claimed = append(claimed, a)
		}
	}
	return claimed, nil
}

// SetAttemptResult records the outcome fields of a finished extraction pass.
func (s *Store) SetAttemptResult(ctx context.Context, id, method, provider string, confidence float64, httpStatus int, durationMs int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scraping_attempts
		SET method = ?, provider = ?, confidence = ?, http_status = ?,
		    duration_ms = ?, updated_at = ?
		WHERE id = ?`,
		method, provider, confidence, httpStatus, durationMs,
		time.Now().UnixMilli(), id)
	return err
}

// SetAttemptError records the failure diagnostics on an attempt.
func (s *Store) SetAttemptError(ctx context.Context, id, errorType, errorMessage, failedStep string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scraping_attempts
		SET error_type = ?, error_message = ?, failed_step = ?, updated_at = ?
		WHERE id = ?`,
		errorType, errorMessage, failedStep, time.Now().UnixMilli(), id)
	return err
}

// IncrementRetry bumps the retry counter and returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scraping_attempts SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.DB.QueryRowContext(ctx,
		`SELECT retry_count FROM scraping_attempts WHERE id = ?`, id).Scan(&n)
	return n, err
}

// TouchAttempt refreshes updated_at so the reaper sees the attempt as live.
func (s *Store) TouchAttempt(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE scraping_attempts SET updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// ListStuck returns non-terminal attempts whose updated_at is older than the
// given cutoff (unix ms).
func (s *Store) ListStuck(ctx context.Context, olderThan int64) ([]*Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM scraping_attempts
		WHERE status IN ('pending','fetching','extracting','retrying')
		AND updated_at < ?
		ORDER BY updated_at ASC`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListOrphans returns attempts stuck mid-cycle in fetching/extracting.
// A worker starting up sees only orphans here: its own claims happen after
// recovery, and a live sibling worker's attempts are guarded by status
// transitions anyway.
func (s *Store) ListOrphans(ctx context.Context) ([]*Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM scraping_attempts
		WHERE status IN ('fetching','extracting')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListAttemptsForListing returns all attempts for a job listing, newest first.
func (s *Store) ListAttemptsForListing(ctx context.Context, jobListingID string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM scraping_attempts
		WHERE job_listing_id = ?
		ORDER BY created_at DESC LIMIT ?`, jobListingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var status string
	var confidence sql.NullFloat64
	err := row.Scan(&a.ID, &a.JobListingID, &a.URL, &a.Domain, &a.Method,
		&a.Provider, &a.HTTPStatus, &confidence, &a.ErrorType, &a.ErrorMessage,
		&a.FailedStep, &a.RetryCount, &a.MaxRetries, &a.DurationMs, &status,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = state.Status(status)
	if confidence.Valid {
		a.Confidence = &confidence.Float64
	}
	return &a, nil
}

func scanAttempts(rows *sql.Rows) ([]*Attempt, error) {
	var result []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
