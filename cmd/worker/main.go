package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/learning"
	"github.com/nadmax/deferd/internal/logging"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/queue"
	"github.com/nadmax/deferd/internal/repository/postgres"
	"github.com/nadmax/deferd/internal/scheduler"
	"github.com/nadmax/deferd/internal/worker"
	"github.com/nadmax/deferd/internal/worker/handlers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "deferd-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("DEFERD_CONFIG"))
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	logger = logger.With(zap.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	q, err := queue.NewQueue(ctx, cfg.RedisAddr, store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("failed to close queue", zap.Error(err))
		}
	}()

	sched := scheduler.New(scheduler.ConfigFrom(cfg), scheduler.NewProcSampler(), store, logger)

	whitelist := decision.NewWhitelist(cfg.Policy.AllowedTasks, store)
	if err := whitelist.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load whitelist overrides: %w", err)
	}

	loop, err := learning.NewLoop(store, store, learning.OptionsFrom(cfg), logger)
	if err != nil {
		return err
	}
	engine := decision.NewEngine(decision.PolicyFrom(cfg), whitelist, sched, logger, decision.WithAdvisor(loop))

	registry := worker.NewRegistry()
	registry.Register(handlers.SendNotificationTask, handlers.NewNotifier(cfg.Notify, logger))
	registry.Register(handlers.EnergyReportTask, handlers.NewReportGenerator(store.DB(), cfg.Worker.ReportDir, logger))
	registry.Register(handlers.DatabaseCleanupTask, handlers.NewCleanup(store, cfg.Worker.RetentionDays, logger))

	w := worker.NewWorker(worker.Config{
		ID:             workerID,
		PollInterval:   cfg.Worker.PollInterval,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		LeaseTTL:       cfg.Worker.LeaseTTL,
	}, q, store, sched, engine, registry, mesh.AccountantFrom(cfg), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return refreshWhitelist(gctx, whitelist, cfg.Worker.RefreshInterval, logger) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-engine.Errors():
				logger.Error("background persistence failure",
					zap.String("component", e.Component),
					zap.String("task_id", e.TaskID),
					zap.Error(e),
				)
			}
		}
	})

	err = g.Wait()
	logger.Info("worker shut down")
	return err
}
