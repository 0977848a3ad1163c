package store

import (
	"context"
	"fmt"
	"time"
)

// ListEnabledProviders returns enabled provider configs in ascending
// priority order — the order the AI extractor walks them.
func (s *Store) ListEnabledProviders(ctx context.Context) ([]*ProviderConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, provider, model, priority, timeout_ms, max_tokens,
		       temperature, cost_per_1k_tokens, enabled, created_at, updated_at
		FROM llm_provider_configs
		WHERE enabled = 1
		ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ProviderConfig
	for rows.Next() {
		var p ProviderConfig
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.Provider, &p.Model, &p.Priority,
			&p.TimeoutMs, &p.MaxTokens, &p.Temperature, &p.CostPer1KTokens,
			&enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		p.Enabled = enabled != 0
		result = append(result, &p)
	}
	return result, rows.Err()
}

// InsertProviderConfig adds a provider to the fallback chain.
func (s *Store) InsertProviderConfig(ctx context.Context, p *ProviderConfig) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = now
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO llm_provider_configs
			(id, name, provider, model, priority, timeout_ms, max_tokens,
			 temperature, cost_per_1k_tokens, enabled, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Provider, p.Model, p.Priority, p.TimeoutMs,
		p.MaxTokens, p.Temperature, p.CostPer1KTokens, enabled,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// CountProviderConfigs returns the number of provider rows, enabled or not.
func (s *Store) CountProviderConfigs(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM llm_provider_configs`).Scan(&n)
	return n, err
}

// InsertLLMLog records one AI provider call, success or failure.
func (s *Store) InsertLLMLog(ctx context.Context, l *LLMLog) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO llm_api_logs
			(id, attempt_id, provider, model, prompt_tokens, completion_tokens,
			 duration_ms, cost_estimate, status, error_message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.AttemptID, l.Provider, l.Model, l.PromptTokens,
		l.CompletionTokens, l.DurationMs, l.CostEstimate, l.Status,
		l.ErrorMessage, l.CreatedAt,
	)
	return err
}
