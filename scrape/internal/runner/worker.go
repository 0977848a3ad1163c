package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	PollInterval   time.Duration // Default: 2s.
	BatchSize      int           // Attempts claimed per poll. Default: 10.
	MaxConcurrency int           // Attempts executed in parallel. Default: 4.
}

func (c *WorkerConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
}

// Worker polls for pending attempts and executes them.
type Worker struct {
	store    *store.Store
	executor *Executor
	cfg      WorkerConfig
	logger   *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(st *store.Store, executor *Executor, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, executor: executor, cfg: cfg, logger: logger}
}

// Run starts the polling loop and blocks until ctx is cancelled. Attempts
// left mid-flight by a previous process are recovered first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"max_concurrency", w.cfg.MaxConcurrency)

	if n, err := w.executor.RecoverOrphans(ctx); err != nil {
		w.logger.Error("recover orphans", "error", err)
	} else if n > 0 {
		w.logger.Warn("recovered orphan attempts from previous run", "count", n)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("batch processing failed", "error", err)
			}
		}
	}
}

// processBatch claims up to BatchSize pending attempts and runs them in
// parallel, bounded by MaxConcurrency.
func (w *Worker) processBatch(ctx context.Context) error {
	attempts, err := w.store.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}
	w.logger.Debug("claimed attempts", "count", len(attempts))

	sem := make(chan struct{}, w.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, a := range attempts {
		wg.Add(1)
		sem <- struct{}{}
		go func(att *store.Attempt) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.executor.Execute(ctx, att); err != nil {
				w.logger.Error("execute attempt", "attempt_id", att.ID, "error", err)
			}
		}(a)
	}
	wg.Wait()
	return nil
}
