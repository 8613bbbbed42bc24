package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

const DatabaseCleanupTask = "database-cleanup"

// Pruner is the part of the store the cleanup task deletes from.
type Pruner interface {
	PruneSystemMetrics(ctx context.Context, before time.Time) (int64, error)
}

// Cleanup deletes system samples older than the retention period. A payload
// "retention_days" overrides the default. Decision records are an audit log
// and are never pruned.
type Cleanup struct {
	store     Pruner
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewCleanup(store Pruner, retentionDays int, logger *zap.Logger) *Cleanup {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Cleanup{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger.Named("database-cleanup"),
	}
}

func (c *Cleanup) Handle(ctx context.Context, t *task.Task, _ decision.Constraints) (map[string]any, error) {
	retention := c.retention
	if days, ok := t.Payload["retention_days"].(float64); ok {
		if days < 1 {
			return nil, fmt.Errorf("retention_days must be at least 1, got %v", days)
		}
		retention = time.Duration(days * float64(24*time.Hour))
	}
	cutoff := c.now().Add(-retention)

	samples, err := c.store.PruneSystemMetrics(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune system metrics: %w", err)
	}

	c.logger.Info("pruned old records",
		zap.String("task_id", t.ID),
		zap.Time("cutoff", cutoff),
		zap.Int64("system_metrics", samples),
	)
	return map[string]any{
		"cutoff":                 cutoff.Format(time.RFC3339),
		"system_metrics_deleted": samples,
	}, nil
}
