package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const eventColumns = `id, attempt_id, event_type, status, step_order,
	started_at, completed_at, duration_ms, input_json, output_json,
	error_type, error_message, metadata_json`

// InsertEvent appends a pipeline step record.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().UnixMilli()
	}
	if e.Status == "" {
		e.Status = EventStarted
	}
	if e.InputJSON == "" {
		e.InputJSON = "{}"
	}
	if e.OutputJSON == "" {
		e.OutputJSON = "{}"
	}
	if e.MetadataJSON == "" {
		e.MetadataJSON = "{}"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scraping_events
			(id, attempt_id, event_type, status, step_order, started_at,
			 completed_at, duration_ms, input_json, output_json, error_type,
			 error_message, metadata_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AttemptID, e.EventType, e.Status, e.StepOrder, e.StartedAt,
		e.CompletedAt, e.DurationMs, e.InputJSON, e.OutputJSON, e.ErrorType,
		e.ErrorMessage, e.MetadataJSON,
	)
	return err
}

// CompleteEvent closes an open event. completed_at is set exactly once, when
// the status leaves `started`.
func (s *Store) CompleteEvent(ctx context.Context, id, status, outputJSON, errorType, errorMessage string) error {
	now := time.Now().UnixMilli()
	if outputJSON == "" {
		outputJSON = "{}"
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scraping_events
		SET status = ?, completed_at = ?, duration_ms = ? - started_at,
		    output_json = ?, error_type = ?, error_message = ?
		WHERE id = ? AND status = 'started'`,
		status, now, now, outputJSON, errorType, errorMessage, id)
	return err
}

// ListEvents returns all events for an attempt ordered by step_order.
func (s *Store) ListEvents(ctx context.Context, attemptID string) ([]*Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM scraping_events
		WHERE attempt_id = ? ORDER BY step_order ASC`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var e Event
		var completedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.EventType, &e.Status,
			&e.StepOrder, &e.StartedAt, &completedAt, &e.DurationMs,
			&e.InputJSON, &e.OutputJSON, &e.ErrorType, &e.ErrorMessage,
			&e.MetadataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Int64
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// MaxStepOrder returns the highest step_order recorded for an attempt,
// 0 when the attempt has no events yet.
func (s *Store) MaxStepOrder(ctx context.Context, attemptID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(step_order), 0) FROM scraping_events
		WHERE attempt_id = ?`, attemptID).Scan(&n)
	return n, err
}

// ForceFailOpenEvents closes every still-open event of an attempt as failed.
// Used by administrative mark-failed to avoid dangling `started` rows.
func (s *Store) ForceFailOpenEvents(ctx context.Context, attemptID, errorType, errorMessage string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scraping_events
		SET status = 'failed', completed_at = ?, duration_ms = ? - started_at,
		    error_type = ?, error_message = ?
		WHERE attempt_id = ? AND status = 'started'`,
		now, now, errorType, errorMessage, attemptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountEvents returns the number of events recorded for an attempt.
func (s *Store) CountEvents(ctx context.Context, attemptID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scraping_events WHERE attempt_id = ?`,
		attemptID).Scan(&n)
	return n, err
}
