package store

import (
	"context"
	"fmt"
	"time"
)

// InsertHTMLLog records one HTML-based extraction pass. The extraction rate
// is derived here so callers cannot store an inconsistent value.
func (s *Store) InsertHTMLLog(ctx context.Context, l *HTMLLog) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	if l.FieldsJSON == "" {
		l.FieldsJSON = "{}"
	}
	if l.SelectorsJSON == "" {
		l.SelectorsJSON = "{}"
	}
	l.ExtractionRate = 0
	if l.FieldsAttempted > 0 {
		l.ExtractionRate = float64(l.FieldsExtracted) / float64(l.FieldsAttempted)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO html_scraping_logs
			(id, attempt_id, url, domain, size_before, size_after, fields_json,
			 selectors_json, fields_attempted, fields_extracted, extraction_rate,
			 duration_ms, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.AttemptID, l.URL, l.Domain, l.SizeBefore, l.SizeAfter,
		l.FieldsJSON, l.SelectorsJSON, l.FieldsAttempted, l.FieldsExtracted,
		l.ExtractionRate, l.DurationMs, l.Status, l.CreatedAt,
	)
	return err
}

// ListHTMLLogs returns diagnostic logs for a domain since the given cutoff,
// newest first, capped at limit. Domain "" matches all domains.
func (s *Store) ListHTMLLogs(ctx context.Context, domain string, since int64, limit int) ([]*HTMLLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, attempt_id, url, domain, size_before, size_after,
		       fields_json, selectors_json, fields_attempted, fields_extracted,
		       extraction_rate, duration_ms, status, created_at
		FROM html_scraping_logs
		WHERE created_at >= ?`
	args := []any{since}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*HTMLLog
	for rows.Next() {
		var l HTMLLog
		if err := rows.Scan(&l.ID, &l.AttemptID, &l.URL, &l.Domain,
			&l.SizeBefore, &l.SizeAfter, &l.FieldsJSON, &l.SelectorsJSON,
			&l.FieldsAttempted, &l.FieldsExtracted, &l.ExtractionRate,
			&l.DurationMs, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan html log: %w", err)
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}
