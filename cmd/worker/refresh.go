package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type refresher interface {
	Refresh(ctx context.Context) error
}

// refreshWhitelist reloads the overrides written by the API server so deferred
// tasks are re-decided against the current whitelist. Failures keep the last
// loaded set and are retried on the next tick.
func refreshWhitelist(ctx context.Context, wl refresher, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := wl.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to refresh whitelist", zap.Error(err))
			}
		}
	}
}
