// Command scrapeline runs the job listing extraction service: an HTTP API
// for enqueueing and inspecting scraping attempts, backed by a worker pool
// and a reaper over an SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jobsift/scrapeline/dbopen"
	"github.com/jobsift/scrapeline/scrape"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		logLevel   = flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("scrapeline exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc, err := scrape.New(db, cfg.serviceConfig(), logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	if err := svc.SeedProviders(ctx, cfg.seedProviders()); err != nil {
		return fmt.Errorf("seed providers: %w", err)
	}

	svc.Start(ctx)
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
