package store

import "database/sql"

// Schema is the complete pipeline schema. Timestamps are unix milliseconds.
const Schema = `
-- One fetch/extract cycle for one job listing
CREATE TABLE IF NOT EXISTS scraping_attempts (
    id              TEXT PRIMARY KEY,
    job_listing_id  TEXT NOT NULL,
    url             TEXT NOT NULL,
    domain          TEXT NOT NULL,
    method          TEXT NOT NULL DEFAULT '',
    provider        TEXT NOT NULL DEFAULT '',
    http_status     INTEGER NOT NULL DEFAULT 0,
    confidence      REAL,
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    failed_step     TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 2,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_listing ON scraping_attempts(job_listing_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON scraping_attempts(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_attempts_domain ON scraping_attempts(domain, created_at DESC);

-- One step within an attempt's pipeline, ordered by step_order
CREATE TABLE IF NOT EXISTS scraping_events (
    id              TEXT PRIMARY KEY,
    attempt_id      TEXT NOT NULL REFERENCES scraping_attempts(id) ON DELETE CASCADE,
    event_type      TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'started',
    step_order      INTEGER NOT NULL,
    started_at      INTEGER NOT NULL,
    completed_at    INTEGER,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    input_json      TEXT NOT NULL DEFAULT '{}',
    output_json     TEXT NOT NULL DEFAULT '{}',
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    metadata_json   TEXT NOT NULL DEFAULT '{}',
    UNIQUE(attempt_id, step_order)
);
CREATE INDEX IF NOT EXISTS idx_events_attempt ON scraping_events(attempt_id, step_order);

-- Diagnostic record of one HTML-based extraction pass
CREATE TABLE IF NOT EXISTS html_scraping_logs (
    id                TEXT PRIMARY KEY,
    attempt_id        TEXT NOT NULL REFERENCES scraping_attempts(id) ON DELETE CASCADE,
    url               TEXT NOT NULL,
    domain            TEXT NOT NULL,
    size_before       INTEGER NOT NULL DEFAULT 0,
    size_after        INTEGER NOT NULL DEFAULT 0,
    fields_json       TEXT NOT NULL DEFAULT '{}',
    selectors_json    TEXT NOT NULL DEFAULT '{}',
    fields_attempted  INTEGER NOT NULL DEFAULT 0,
    fields_extracted  INTEGER NOT NULL DEFAULT 0,
    extraction_rate   REAL NOT NULL DEFAULT 0,
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'failed',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_html_logs_domain ON html_scraping_logs(domain, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_html_logs_attempt ON html_scraping_logs(attempt_id);

-- Content cache: fetched pages with a validity window.
-- Multiple historical rows per URL may coexist; writers insert, never update.
CREATE TABLE IF NOT EXISTS scraped_pages (
    id              TEXT PRIMARY KEY,
    url             TEXT NOT NULL,
    raw_html        TEXT NOT NULL,
    cleaned_html    TEXT NOT NULL DEFAULT '',
    cleaned_text    TEXT NOT NULL DEFAULT '',
    http_status     INTEGER NOT NULL DEFAULT 0,
    content_hash    TEXT NOT NULL,
    fetched_at      INTEGER NOT NULL,
    valid_until     INTEGER NOT NULL,
    metadata_json   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_pages_url ON scraped_pages(url, valid_until DESC);

-- AI provider configurations, walked by the extractor in priority order
CREATE TABLE IF NOT EXISTS llm_provider_configs (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL UNIQUE,
    provider           TEXT NOT NULL,
    model              TEXT NOT NULL,
    priority           INTEGER NOT NULL DEFAULT 100,
    timeout_ms         INTEGER NOT NULL DEFAULT 30000,
    max_tokens         INTEGER NOT NULL DEFAULT 1000,
    temperature        REAL NOT NULL DEFAULT 0.1,
    cost_per_1k_tokens REAL NOT NULL DEFAULT 0,
    enabled            INTEGER NOT NULL DEFAULT 1,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_providers_enabled ON llm_provider_configs(enabled, priority);

-- Every AI provider call, success or not
CREATE TABLE IF NOT EXISTS llm_api_logs (
    id                TEXT PRIMARY KEY,
    attempt_id        TEXT NOT NULL DEFAULT '',
    provider          TEXT NOT NULL,
    model             TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    cost_estimate     REAL NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    error_message     TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_logs_provider ON llm_api_logs(provider, created_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
