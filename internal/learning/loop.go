// Package learning turns user feedback on finished tasks into learned patterns
// per task name. Patterns are advisory: the decision engine quotes them in its
// reasoning but never changes a verdict because of them.
package learning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"go.uber.org/zap"
)

const (
	component        = "learning"
	defaultCacheSize = 256
)

type Options struct {
	FeedbackEnabled bool
	LearningEnabled bool
	CacheSize       int
	// CacheTTL bounds how long a cached pattern may lag writes made by other
	// processes. Zero keeps entries until they are evicted or rewritten here.
	CacheTTL time.Duration
}

func OptionsFrom(cfg config.Config) Options {
	return Options{
		FeedbackEnabled: cfg.Features.Feedback,
		LearningEnabled: cfg.Features.Learning,
		CacheSize:       defaultCacheSize,
		CacheTTL:        cfg.Worker.RefreshInterval,
	}
}

type cachedPattern struct {
	pattern models.LearnedPattern
	loaded  time.Time
}

type Loop struct {
	tasks    repository.TaskRepository
	feedback repository.FeedbackRepository
	opts     Options
	cache    *lru.Cache[string, cachedPattern]
	logger   *zap.Logger
}

func NewLoop(tasks repository.TaskRepository, feedback repository.FeedbackRepository, opts Options, logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	cache, err := lru.New[string, cachedPattern](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}

	return &Loop{
		tasks:    tasks,
		feedback: feedback,
		opts:     opts,
		cache:    cache,
		logger:   logger.Named("learning"),
	}, nil
}

// RecordFeedback stores one piece of feedback on a task and, when learning is
// enabled, refreshes the pattern of the task's name.
func (l *Loop) RecordFeedback(ctx context.Context, taskID string, kind models.FeedbackKind, note string) (*models.Feedback, error) {
	if !l.opts.FeedbackEnabled {
		return nil, apperrors.Validation(component, taskID, "feedback is disabled")
	}
	if !kind.Valid() {
		return nil, apperrors.Validation(component, taskID, fmt.Sprintf("unknown feedback kind %q", kind))
	}

	t, err := l.tasks.GetTask(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, taskID, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	f := &models.Feedback{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Kind:      kind,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.feedback.SaveFeedback(ctx, f); err != nil {
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, taskID, err)
	}
	metrics.RecordFeedback(kind)

	l.logger.Info("feedback recorded",
		zap.String("task_id", taskID),
		zap.String("task_name", t.Name),
		zap.String("kind", string(kind)),
	)

	if !l.opts.LearningEnabled {
		return f, nil
	}

	l.cache.Remove(t.Name)
	if err := l.refresh(ctx, t.Name); err != nil {
		// The feedback row is stored; the next Recompute rebuilds the pattern.
		metrics.RecordPersistenceError(component)
		l.logger.Warn("failed to refresh learned pattern",
			zap.String("task_name", t.Name),
			zap.Error(err),
		)
	}
	return f, nil
}

func (l *Loop) refresh(ctx context.Context, taskName string) error {
	p, err := l.feedback.CountFeedback(ctx, taskName)
	if err != nil {
		return err
	}
	p.TaskName = taskName
	p.UpdatedAt = time.Now().UTC()
	if err := l.feedback.UpsertPattern(ctx, p); err != nil {
		return err
	}
	l.remember(p)
	return nil
}

func (l *Loop) remember(p models.LearnedPattern) {
	l.cache.Add(p.TaskName, cachedPattern{pattern: p, loaded: time.Now()})
}

func (l *Loop) cached(taskName string) (models.LearnedPattern, bool) {
	c, ok := l.cache.Get(taskName)
	if !ok {
		return models.LearnedPattern{}, false
	}
	if l.opts.CacheTTL > 0 && time.Since(c.loaded) > l.opts.CacheTTL {
		l.cache.Remove(taskName)
		return models.LearnedPattern{}, false
	}
	return c.pattern, true
}

// Recompute rebuilds every pattern from the full feedback table.
func (l *Loop) Recompute(ctx context.Context) ([]models.LearnedPattern, error) {
	if !l.opts.LearningEnabled {
		return nil, nil
	}

	patterns, err := l.feedback.RecomputePatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute patterns: %w", err)
	}

	l.cache.Purge()
	for _, p := range patterns {
		l.remember(p)
	}

	l.logger.Info("patterns recomputed", zap.Int("count", len(patterns)))
	return patterns, nil
}

// Lookup returns the learned pattern for a task name, if any.
func (l *Loop) Lookup(ctx context.Context, taskName string) (models.LearnedPattern, bool) {
	if !l.opts.LearningEnabled {
		return models.LearnedPattern{}, false
	}
	if p, ok := l.cached(taskName); ok {
		return p, true
	}

	p, err := l.feedback.GetPattern(ctx, taskName)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			l.logger.Warn("failed to load learned pattern", zap.String("task_name", taskName), zap.Error(err))
		}
		return models.LearnedPattern{}, false
	}

	p.TaskName = taskName
	l.remember(*p)
	return *p, true
}

// Advise implements decision.Advisor.
func (l *Loop) Advise(ctx context.Context, taskName string) string {
	p, ok := l.Lookup(ctx, taskName)
	if !ok || p.Total() == 0 {
		return ""
	}

	kind, confidence := p.Dominant()
	return fmt.Sprintf("learned from %d feedback (%d necessary, %d optimizable, %d avoidable): mostly %s, confidence %.2f",
		p.Total(), p.Necessary, p.Optimizable, p.Avoidable, kind, confidence)
}
