package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"note-summarizer/internal/config"
	"note-summarizer/internal/logging"
	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/summarize"
	"note-summarizer/internal/telemetry"
	workerproc "note-summarizer/internal/worker"
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

	// Built once and shared by every consumer goroutine.
	summarizer, err := summarize.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("init summarizer", "error", err)
		os.Exit(1)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, logger, workerID)
	handler := workerproc.NewSummarizeHandler(st, summarizer, cfg.SummaryMaxLength, logger)
	processor.RegisterHandler(models.TaskSummarizeRecord, handler.Handle)
	reconciler := workerproc.NewReconciler(q, st, cfg.ReconcileInterval, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"summarizer", cfg.Summarizer,
		"job_timeout", cfg.JobTimeout.String())

	// Release records orphaned by a previous crash before taking new work.
	if n, err := reconciler.Sweep(ctx); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	} else if n > 0 {
		logger.Info("startup reconcile", "released", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
