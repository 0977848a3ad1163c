// On-demand aggregation over attempts, diagnostic logs, and provider calls.
// Nothing here is maintained incrementally; every stat is computed from the
// immutable rows at query time.
package store

import (
	"context"
	"encoding/json"
)

// DomainStats holds trailing-window success metrics for one domain.
type DomainStats struct {
	Domain        string  `json:"domain"`
	Attempts      int     `json:"attempts"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	DeadLettered  int     `json:"dead_lettered"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// FieldStat holds trailing-window extraction metrics for one tracked field.
type FieldStat struct {
	Field     string  `json:"field"`
	Attempted int     `json:"attempted"`
	Extracted int     `json:"extracted"`
	Rate      float64 `json:"rate"`
}

// ProviderStats holds trailing-window call metrics for one AI provider.
type ProviderStats struct {
	Provider      string  `json:"provider"`
	Calls         int     `json:"calls"`
	Succeeded     int     `json:"succeeded"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	TotalCost     float64 `json:"total_cost"`
}

// DomainStatsSince aggregates attempts for a domain created after `since`.
// A partial success (completed with low confidence) still counts as completed.
func (s *Store) DomainStatsSince(ctx context.Context, domain string, since int64) (*DomainStats, error) {
	stats := &DomainStats{Domain: domain}
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(AVG(confidence), 0)
		FROM scraping_attempts
		WHERE domain = ? AND created_at >= ?`, domain, since).
		Scan(&stats.Attempts, &stats.Completed, &stats.Failed,
			&stats.DeadLettered, &stats.AvgDurationMs, &stats.AvgConfidence)
	if err != nil {
		return nil, err
	}
	if stats.Attempts > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Attempts)
	}
	return stats, nil
}

// FieldStatsSince computes per-field extraction rates over html logs created
// after `since`, sampling at most sampleLimit rows (newest first) to bound
// the JSON-decoding cost.
func (s *Store) FieldStatsSince(ctx context.Context, since int64, sampleLimit int) ([]FieldStat, error) {
	logs, err := s.ListHTMLLogs(ctx, "", since, sampleLimit)
	if err != nil {
		return nil, err
	}

	type counter struct{ attempted, extracted int }
	counts := make(map[string]*counter)
	var order []string

	for _, l := range logs {
		var fields map[string]struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal([]byte(l.FieldsJSON), &fields); err != nil {
			continue // malformed diagnostic row; skip, don't fail the report
		}
		for name, f := range fields {
			c, ok := counts[name]
			if !ok {
				c = &counter{}
				counts[name] = c
				order = append(order, name)
			}
			c.attempted++
			if f.Success {
				c.extracted++
			}
		}
	}

	result := make([]FieldStat, 0, len(order))
	for _, name := range order {
		c := counts[name]
		stat := FieldStat{Field: name, Attempted: c.attempted, Extracted: c.extracted}
		if c.attempted > 0 {
			stat.Rate = float64(c.extracted) / float64(c.attempted)
		}
		result = append(result, stat)
	}
	return result, nil
}

// ProviderStatsSince aggregates AI provider calls made after `since`.
func (s *Store) ProviderStatsSince(ctx context.Context, since int64) ([]ProviderStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider, COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(SUM(cost_estimate), 0)
		FROM llm_api_logs
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY provider ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ProviderStats
	for rows.Next() {
		var p ProviderStats
		if err := rows.Scan(&p.Provider, &p.Calls, &p.Succeeded,
			&p.AvgDurationMs, &p.TotalCost); err != nil {
			return nil, err
		}
		if p.Calls > 0 {
			p.SuccessRate = float64(p.Succeeded) / float64(p.Calls)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
