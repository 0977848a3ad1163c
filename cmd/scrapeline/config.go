package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobsift/scrapeline/scrape"
)

// fileConfig is the YAML configuration for the scrapeline daemon.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	Fetch struct {
		Timeout   time.Duration `yaml:"timeout"`
		MaxBytes  int64         `yaml:"max_bytes"`
		UserAgent string        `yaml:"user_agent"`
	} `yaml:"fetch"`

	Worker struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		BatchSize      int           `yaml:"batch_size"`
		MaxConcurrency int           `yaml:"max_concurrency"`
	} `yaml:"worker"`

	AcceptThreshold float64       `yaml:"accept_threshold"`
	MaxRetries      int           `yaml:"max_retries"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	ReapInterval    time.Duration `yaml:"reap_interval"`

	Providers []providerConfig `yaml:"providers"`
}

type providerConfig struct {
	Name            string  `yaml:"name"`
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	Priority        int     `yaml:"priority"`
	TimeoutMs       int64   `yaml:"timeout_ms"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
	Enabled         bool    `yaml:"enabled"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment overrides for containerized deployments.
	if v := os.Getenv("SCRAPELINE_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SCRAPELINE_DB"); v != "" {
		cfg.DBPath = v
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "scrapeline.db"
	}
	return cfg, nil
}

// serviceConfig converts the file config into the service's Config.
func (c *fileConfig) serviceConfig() *scrape.Config {
	sc := &scrape.Config{
		AcceptThreshold: c.AcceptThreshold,
		MaxRetries:      c.MaxRetries,
		CacheTTL:        c.CacheTTL,
		RetryBackoff:    c.RetryBackoff,
		StaleAfter:      c.StaleAfter,
		ReapInterval:    c.ReapInterval,
	}
	sc.Fetch.Timeout = c.Fetch.Timeout
	sc.Fetch.MaxBytes = c.Fetch.MaxBytes
	sc.Fetch.UserAgent = c.Fetch.UserAgent
	sc.Worker.PollInterval = c.Worker.PollInterval
	sc.Worker.BatchSize = c.Worker.BatchSize
	sc.Worker.MaxConcurrency = c.Worker.MaxConcurrency
	return sc
}

// seedProviders converts the configured providers for seeding. When the
// config names none, a conservative default chain is used.
func (c *fileConfig) seedProviders() []*scrape.ProviderConfig {
	if len(c.Providers) == 0 {
		return []*scrape.ProviderConfig{
			{Name: "openai-mini", Provider: "openai", Model: "gpt-4o-mini",
				Priority: 10, TimeoutMs: 30_000, MaxTokens: 1000,
				Temperature: 0.1, CostPer1KTokens: 0.0006, Enabled: true},
			{Name: "local-ollama", Provider: "ollama", Model: "llama3.1",
				Priority: 20, TimeoutMs: 60_000, MaxTokens: 1000,
				Temperature: 0.1, Enabled: true},
		}
	}
	out := make([]*scrape.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, &scrape.ProviderConfig{
			Name: p.Name, Provider: p.Provider, Model: p.Model,
			Priority: p.Priority, TimeoutMs: p.TimeoutMs,
			MaxTokens: p.MaxTokens, Temperature: p.Temperature,
			CostPer1KTokens: p.CostPer1KTokens, Enabled: p.Enabled,
		})
	}
	return out
}
