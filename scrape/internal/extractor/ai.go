package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// ErrAllProvidersExhausted is returned when every enabled provider in the
// chain failed for one extraction.
var ErrAllProvidersExhausted = errors.New("all AI providers exhausted")

const extractionPrompt = `You are a job posting data extraction system. Analyze the page text below and extract the listing's fields.

Rules:
- Ignore navigation, footers, related-jobs lists, and advertisements.
- Respond with a single JSON object and nothing else. No markdown fences.
- Use null for any field the page does not state. Never guess.

Schema:
{
  "title": "job title",
  "company": "hiring company name",
  "location": "location or 'Remote'",
  "description": "concise summary of responsibilities and requirements, plain text",
  "employment_type": "full-time, part-time, contract, or internship",
  "salary": "salary range exactly as stated, or null"
}

Page text:
%s`

// maxPromptContent caps how much page text goes into the prompt.
const maxPromptContent = 20000

// ModelFactory builds a model client for one provider config. Injected so
// tests can substitute a fake.
type ModelFactory func(ctx context.Context, cfg *store.ProviderConfig) (llms.Model, error)

// DefaultModelFactory builds real clients. API keys come from each
// provider's usual environment variables.
func DefaultModelFactory(ctx context.Context, cfg *store.ProviderConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		return openai.New(openai.WithModel(cfg.Model))
	case "anthropic":
		return anthropic.New(anthropic.WithModel(cfg.Model))
	case "googleai":
		return googleai.New(ctx, googleai.WithDefaultModel(cfg.Model))
	case "ollama":
		return ollama.New(ollama.WithModel(cfg.Model))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// AIExtractor walks the configured provider chain in priority order until
// one returns a parseable result. Every call, failed or not, is logged to
// llm_api_logs.
type AIExtractor struct {
	store   *store.Store
	factory ModelFactory
	newID   func() string
	logger  *slog.Logger

	// OnProviderFailure, when set, is invoked for each provider that errors
	// before the chain falls through to the next one. The composition root
	// uses it to put a failed event on the attempt's trail per provider.
	OnProviderFailure func(ctx context.Context, in *Input, cfg *store.ProviderConfig, err error)
}

// NewAI creates an AIExtractor.
func NewAI(st *store.Store, factory ModelFactory, newID func() string, logger *slog.Logger) *AIExtractor {
	if factory == nil {
		factory = DefaultModelFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AIExtractor{store: st, factory: factory, newID: newID, logger: logger}
}

func (a *AIExtractor) Name() string { return "ai" }

// Applies always: the AI chain is the catch-all behind board extractors.
func (a *AIExtractor) Applies(string) bool { return true }

func (a *AIExtractor) Extract(ctx context.Context, in *Input) (*Result, error) {
	providers, err := a.store.ListEnabledProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, ErrAllProvidersExhausted
	}

	content := in.CleanedText
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent]
	}
	prompt := fmt.Sprintf(extractionPrompt, content)

	var lastErr error
	for _, cfg := range providers {
		res, err := a.callProvider(ctx, cfg, prompt, in.AttemptID)
		if err != nil {
			lastErr = err
			a.logger.Warn("ai provider failed, trying next",
				"provider", cfg.Provider, "model", cfg.Model, "error", err)
			if a.OnProviderFailure != nil {
				a.OnProviderFailure(ctx, in, cfg, err)
			}
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAllProvidersExhausted, lastErr)
}

func (a *AIExtractor) callProvider(ctx context.Context, cfg *store.ProviderConfig, prompt, attemptID string) (*Result, error) {
	callCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	logEntry := &store.LLMLog{
		ID:           a.newID(),
		AttemptID:    attemptID,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		PromptTokens: estimateTokens(prompt),
	}

	fail := func(err error) (*Result, error) {
		logEntry.DurationMs = time.Since(start).Milliseconds()
		logEntry.Status = "error"
		logEntry.ErrorMessage = err.Error()
		if logErr := a.store.InsertLLMLog(context.WithoutCancel(ctx), logEntry); logErr != nil {
			a.logger.Error("record llm call", "error", logErr)
		}
		return nil, err
	}

	model, err := a.factory(callCtx, cfg)
	if err != nil {
		return fail(fmt.Errorf("provider %s: init: %w", cfg.Provider, err))
	}

	raw, err := llms.GenerateFromSinglePrompt(callCtx, model, prompt,
		llms.WithMaxTokens(cfg.MaxTokens),
		llms.WithTemperature(cfg.Temperature),
	)
	if err != nil {
		return fail(fmt.Errorf("provider %s: generate: %w", cfg.Provider, err))
	}

	res, err := parseModelOutput(raw)
	if err != nil {
		return fail(fmt.Errorf("provider %s: %w", cfg.Provider, err))
	}
	res.Provider = cfg.Provider
	res.Method = store.MethodAI

	logEntry.CompletionTokens = estimateTokens(raw)
	logEntry.DurationMs = time.Since(start).Milliseconds()
	logEntry.CostEstimate = float64(logEntry.PromptTokens+logEntry.CompletionTokens) / 1000 * cfg.CostPer1KTokens
	logEntry.Status = "success"
	if err := a.store.InsertLLMLog(context.WithoutCancel(ctx), logEntry); err != nil {
		a.logger.Error("record llm call", "error", err)
	}
	return res, nil
}

// parseModelOutput decodes a model response into a Result. Models sometimes
// wrap JSON in code fences despite instructions; strip them before decoding.
func parseModelOutput(raw string) (*Result, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var parsed map[string]*string
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable model output: %w", err)
	}

	res := &Result{Fields: make(map[string]FieldResult)}
	for _, field := range Fields {
		fr := FieldResult{}
		if v, ok := parsed[field]; ok && v != nil && strings.TrimSpace(*v) != "" {
			fr = FieldResult{Value: strings.TrimSpace(*v), Success: true}
		}
		res.Fields[field] = fr
	}
	res.Score()
	if res.Extracted() == 0 {
		return nil, errors.New("model output contained no tracked fields")
	}
	return res, nil
}

// estimateTokens approximates token usage for providers that don't report
// it. Four characters per token is close enough for cost estimates.
func estimateTokens(s string) int {
	return len(s) / 4
}
