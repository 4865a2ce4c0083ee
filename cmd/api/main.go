package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"note-summarizer/internal/api"
	"note-summarizer/internal/config"
	"note-summarizer/internal/jobs"
	"note-summarizer/internal/logging"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/ratelimit"
	"note-summarizer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx, logger); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		// Submissions answer 503 until Redis is reachable; polling and CRUD keep working.
		logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := jobs.NewService(st, q, logger, cfg.JobTimeout)
	server := api.New(st, svc, limiter, api.NewAuthenticator(cfg.JWTSecret), logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
