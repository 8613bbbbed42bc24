package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/service"
)

const (
	queueMetricsInterval = 10 * time.Second
	recomputeInterval    = 15 * time.Minute
)

type queueStats interface {
	Counts(ctx context.Context) (models.QueueCounts, error)
	Depth(ctx context.Context) (int64, error)
}

type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type voteSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type recomputer interface {
	Recompute(ctx context.Context) ([]models.LearnedPattern, error)
}

type refresher interface {
	Refresh(ctx context.Context) error
}

func backgroundJobs(cfg config.Config, q queueStats, peers sweeper, votes voteSweeper, loop recomputer, wl refresher) []service.Job {
	jobs := []service.Job{
		{
			Name:     "queue-metrics",
			Interval: queueMetricsInterval,
			Run:      func(ctx context.Context) error { return updateQueueMetrics(ctx, q) },
		},
		{
			Name:     "peer-sweep",
			Interval: cfg.Mesh.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := peers.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "vote-sweep",
			Interval: cfg.Mesh.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := votes.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "whitelist-refresh",
			Interval: cfg.Worker.RefreshInterval,
			Run:      wl.Refresh,
		},
	}

	if cfg.Features.Learning {
		jobs = append(jobs, service.Job{
			Name:     "learning-recompute",
			Interval: recomputeInterval,
			Run: func(ctx context.Context) error {
				_, err := loop.Recompute(ctx)
				return err
			},
		})
	}
	return jobs
}

func updateQueueMetrics(ctx context.Context, q queueStats) error {
	counts, err := q.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	metrics.UpdateQueueCounts(counts)

	depth, err := q.Depth(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}
	metrics.UpdateQueueDepth(depth)
	return nil
}
