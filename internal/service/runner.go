package service

import (
	"context"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a periodic maintenance step such as sweeping stale peers.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Run drives the periodic jobs and drains persistence errors raised by the
// decision engine until ctx is cancelled. Status reports running meanwhile.
// A failing job is logged and retried on its next tick.
func (s *Service) Run(ctx context.Context, jobs ...Job) error {
	s.running.Store(true)
	defer s.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.drainErrors(ctx)
		return nil
	})

	for _, job := range jobs {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		g.Go(func() error {
			s.runJob(ctx, job)
			return nil
		})
	}

	return g.Wait()
}

func (s *Service) runJob(ctx context.Context, job Job) {
	log := s.logger.With(zap.String("job", job.Name))
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("job failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case perr := <-s.engine.Errors():
			s.logger.Error("persistence failure",
				zap.String("kind", string(perr.Kind)),
				zap.String("component", perr.Component),
				zap.String("task_id", perr.TaskID),
				zap.Time("at", perr.Time),
				zap.Error(unwrapped(perr)),
			)
		}
	}
}

func unwrapped(e *apperrors.Error) error {
	if e.Err != nil {
		return e.Err
	}
	return e
}
