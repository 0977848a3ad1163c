// All store data types: Attempt, Event, HTMLLog, Page, ProviderConfig, LLMLog.
package store

import "github.com/jobsift/scrapeline/scrape/internal/state"

// Extraction methods recorded on a completed attempt.
const (
	MethodStructured = "structured"
	MethodAI         = "ai"
	MethodFallback   = "fallback"
)

// Event types for pipeline steps.
const (
	EventPermissionCheck      = "permission_check"
	EventHTMLFetch            = "html_fetch"
	EventStructuredExtraction = "structured_extraction"
	EventAIExtraction         = "ai_extraction"
	EventCompletion           = "completion"
	EventFailure              = "failure"
)

// Event statuses.
const (
	EventStarted = "started"
	EventSuccess = "success"
	EventFailed  = "failed"
	EventSkipped = "skipped"
)

// Attempt is one fetch/extract cycle for one job listing.
type Attempt struct {
	ID           string       `json:"id"`
	JobListingID string       `json:"job_listing_id"`
	URL          string       `json:"url"`
	Domain       string       `json:"domain"`
	Method       string       `json:"method"`
	Provider     string       `json:"provider"`
	HTTPStatus   int          `json:"http_status"`
	Confidence   *float64     `json:"confidence,omitempty"`
	ErrorType    string       `json:"error_type"`
	ErrorMessage string       `json:"error_message"`
	FailedStep   string       `json:"failed_step"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	DurationMs   int64        `json:"duration_ms"`
	Status       state.Status `json:"status"`
	CreatedAt    int64        `json:"created_at"`
	UpdatedAt    int64        `json:"updated_at"`
}

// Event is one step within an attempt's pipeline.
type Event struct {
	ID           string `json:"id"`
	AttemptID    string `json:"attempt_id"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
	StepOrder    int    `json:"step_order"`
	StartedAt    int64  `json:"started_at"`
	CompletedAt  *int64 `json:"completed_at,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	InputJSON    string `json:"input_json"`
	OutputJSON   string `json:"output_json"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	MetadataJSON string `json:"metadata_json"`
}

// HTMLLog is the diagnostic record of one HTML-based extraction pass.
type HTMLLog struct {
	ID              string  `json:"id"`
	AttemptID       string  `json:"attempt_id"`
	URL             string  `json:"url"`
	Domain          string  `json:"domain"`
	SizeBefore      int     `json:"size_before"`
	SizeAfter       int     `json:"size_after"`
	FieldsJSON      string  `json:"fields_json"`
	SelectorsJSON   string  `json:"selectors_json"`
	FieldsAttempted int     `json:"fields_attempted"`
	FieldsExtracted int     `json:"fields_extracted"`
	ExtractionRate  float64 `json:"extraction_rate"`
	DurationMs      int64   `json:"duration_ms"`
	Status          string  `json:"status"`
	CreatedAt       int64   `json:"created_at"`
}

// Page is a cached fetch result with a validity window.
type Page struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	RawHTML      string `json:"raw_html"`
	CleanedHTML  string `json:"cleaned_html"`
	CleanedText  string `json:"cleaned_text"`
	HTTPStatus   int    `json:"http_status"`
	ContentHash  string `json:"content_hash"`
	FetchedAt    int64  `json:"fetched_at"`
	ValidUntil   int64  `json:"valid_until"`
	MetadataJSON string `json:"metadata_json"`
}

// ProviderConfig is one AI provider entry in the fallback chain.
type ProviderConfig struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	Priority        int     `json:"priority"`
	TimeoutMs       int64   `json:"timeout_ms"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
	Enabled         bool    `json:"enabled"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// LLMLog records one AI provider call.
type LLMLog struct {
	ID               string  `json:"id"`
	AttemptID        string  `json:"attempt_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationMs       int64   `json:"duration_ms"`
	CostEstimate     float64 `json:"cost_estimate"`
	Status           string  `json:"status"`
	ErrorMessage     string  `json:"error_message"`
	CreatedAt        int64   `json:"created_at"`
}
