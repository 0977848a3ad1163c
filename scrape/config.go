package scrape

import (
	"time"

	fetchpkg "github.com/jobsift/scrapeline/scrape/internal/fetch"
	"github.com/jobsift/scrapeline/scrape/internal/runner"
)

// Config configures the scrape service.
type Config struct {
	// Fetch settings
	Fetch fetchpkg.Config

	// Worker settings
	Worker runner.WorkerConfig

	// AcceptThreshold is the confidence needed to accept an extraction
	// result outright. Default: 0.6.
	AcceptThreshold float64

	// MaxRetries is the retry budget per attempt. Default: 2.
	MaxRetries int

	// CacheTTL is the validity window for cached pages. Default: 1h.
	CacheTTL time.Duration

	// RetryBackoff is the base delay before a requeued cycle reruns; the
	// actual delay grows linearly with the retry count. Default: 5s.
	RetryBackoff time.Duration

	// StaleAfter is how long an attempt may sit without progress before the
	// reaper fails it. Default: 10m.
	StaleAfter time.Duration

	// ReapInterval is how often the reaper sweeps. Default: 1m.
	ReapInterval time.Duration
}

func (c *Config) defaults() {
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "scrapeline/1.0"
	}
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = 0.6
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}
