// Package fetch retrieves job listing pages over HTTP and reduces the raw
// HTML to the content the extractors work on.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Result contains the outcome of a fetch.
type Result struct {
	Body       []byte
	StatusCode int
	Hash       string // SHA-256 of body
	DurationMs int64
}

// Config configures the fetcher.
type Config struct {
	Timeout  time.Duration // HTTP timeout. Default: 30s.
	MaxBytes int64         // Max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.UserAgent == "" {
		c.UserAgent = "scrapeline/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
}

// ValidateURL accepts absolute http/https URLs with a host and rejects
// everything else. file:, data:, and relative URLs never reach the client.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Fetcher performs HTTP requests for listing pages.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher with URL validation on redirects.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves a URL. Non-2xx/3xx responses return the status code along
// with the error so callers can record it on the attempt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("URL blocked: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &Result{
			StatusCode: resp.StatusCode,
			DurationMs: time.Since(start).Milliseconds(),
		}, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	h := sha256.Sum256(body)
	return &Result{
		Body:       body,
		StatusCode: resp.StatusCode,
		Hash:       fmt.Sprintf("%x", h),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
