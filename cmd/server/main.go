package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/deferd/internal/api"
	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/dashboard"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/learning"
	"github.com/nadmax/deferd/internal/logging"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/middleware"
	"github.com/nadmax/deferd/internal/queue"
	"github.com/nadmax/deferd/internal/repository/postgres"
	"github.com/nadmax/deferd/internal/scheduler"
	"github.com/nadmax/deferd/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "deferd-server: %v\n", err)
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
	svc := service.New(engine, store, q, loop, sched, logger)

	peers := mesh.NewRegistry(store, cfg.Mesh.LivenessTimeout, cfg.Mesh.EcoCleanThreshold, logger)
	votes := mesh.NewVoting(store, cfg.Mesh.DefaultVoteDuration, logger)
	m := api.Mesh{
		Peers:       peers,
		Delegations: mesh.NewDelegator(store, q, peers, mesh.AccountantFrom(cfg), cfg.Policy.MaxTaskDuration, logger),
		Votes:       votes,
	}

	handler := api.NewAPI(svc, m, dashboard.NewDashboard(store, q), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.MetricsMiddleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		return svc.Run(gctx, backgroundJobs(cfg, q, peers, votes, loop, whitelist)...)
	})
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("redis", cfg.RedisAddr),
			zap.Strings("whitelist", whitelist.List()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
