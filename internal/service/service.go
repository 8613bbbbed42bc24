// Package service is the submission surface of deferd. It validates
// requests, asks the decision engine for a verdict, persists the task with
// its decision record and makes approved or deferred tasks claimable.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

const (
	component = "service"

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	maxTaskNameLength   = 128
)

type Store interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	CreateTaskWithDecision(ctx context.Context, t *task.Task, rec *models.DecisionRecord) error
	GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error)
	ListDecisions(ctx context.Context, taskID string) ([]models.DecisionRecord, error)
}

type Queue interface {
	Schedule(ctx context.Context, taskID string, at time.Time) error
	Counts(ctx context.Context) (models.QueueCounts, error)
}

// Feedback records user feedback on executed tasks.
type Feedback interface {
	RecordFeedback(ctx context.Context, taskID string, kind models.FeedbackKind, note string) (*models.Feedback, error)
}

type Host interface {
	Snapshot() models.SystemSnapshot
}

type Service struct {
	engine   *decision.Engine
	store    Store
	queue    Queue
	feedback Feedback
	host     Host
	logger   *zap.Logger

	running atomic.Bool
}

func New(engine *decision.Engine, store Store, queue Queue, feedback Feedback, host Host, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:   engine,
		store:    store,
		queue:    queue,
		feedback: feedback,
		host:     host,
		logger:   logger.Named("service"),
	}
}

// Submission is the answer to a task submission.
type Submission struct {
	TaskID             string                `json:"task_id"`
	Verdict            models.Verdict        `json:"verdict"`
	Rule               string                `json:"rule"`
	ScheduledFor       *time.Time            `json:"scheduled_for,omitempty"`
	EstimatedPowerCost int                   `json:"estimated_power_cost,omitempty"`
	Reasoning          []string              `json:"reasoning"`
	Constraints        *decision.Constraints `json:"constraints,omitempty"`
	DecisionID         string                `json:"decision_id,omitempty"`
}

type Status struct {
	Running     bool                  `json:"running"`
	QueueCounts models.QueueCounts    `json:"queue_counts"`
	Whitelist   []string              `json:"whitelist"`
	Host        models.SystemSnapshot `json:"host"`
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.Validation(component, "", "task name is required")
	}
	if len(name) > maxTaskNameLength {
		return "", apperrors.Validation(component, "", fmt.Sprintf("task name exceeds %d characters", maxTaskNameLength))
	}
	return name, nil
}

// validatePayload checks the size hints the power estimate reads.
func validatePayload(payload map[string]any) error {
	for _, key := range []string{"size_mb", "data_size_mb"} {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n >= 0 {
				continue
			}
		case int:
			if n >= 0 {
				continue
			}
		}
		return apperrors.Validation(component, "", key+" must be a non-negative number")
	}
	return nil
}

// Submit decides on a new task and stores it with its first decision record.
// Denied tasks are stored but never enqueued. When a write fails the
// submission is still returned together with a persistence error.
func (s *Service) Submit(ctx context.Context, name string, payload map[string]any, urgency string) (*Submission, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	u, err := task.ParseUrgency(urgency)
	if err != nil {
		return nil, apperrors.Validation(component, "", err.Error())
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	t := task.NewTask(name, payload, u)
	persist := func(ctx context.Context, res *decision.Result) error {
		t.EstimatedPowerWatts = res.EstimatedWatts
		switch res.Verdict {
		case models.VerdictApproved:
			t.Status = task.StatusQueued
		case models.VerdictDeferred:
			t.Status = task.StatusDeferred
		default:
			t.Status = task.StatusDenied
		}
		t.ScheduledFor = res.ScheduledFor
		if res.Record != nil {
			t.LastDecisionID = res.Record.ID
		}
		return s.store.CreateTaskWithDecision(ctx, t, res.Record)
	}

	res, err := s.engine.Decide(ctx, decision.Request{
		TaskID:   t.ID,
		TaskName: t.Name,
		Payload:  t.Payload,
		Urgency:  t.Urgency,
	}, persist)
	if res == nil {
		return nil, err
	}

	sub := &Submission{
		TaskID:             t.ID,
		Verdict:            res.Verdict,
		Rule:               res.Rule,
		ScheduledFor:       res.ScheduledFor,
		EstimatedPowerCost: res.EstimatedWatts,
		Reasoning:          res.Reasoning,
		Constraints:        res.Constraints,
		DecisionID:         t.LastDecisionID,
	}
	metrics.RecordSubmission(t.Name, res.Verdict)

	log := s.logger.With(zap.String("task_id", t.ID), zap.String("task_name", t.Name))
	if err != nil {
		log.Warn("submission not persisted", zap.String("verdict", string(res.Verdict)), zap.Error(err))
		return sub, err
	}

	if res.Verdict == models.VerdictDenied {
		log.Info("task denied", zap.String("rule", res.Rule))
		return sub, nil
	}

	at := t.CreatedAt
	if res.ScheduledFor != nil {
		at = *res.ScheduledFor
	}
	if err := s.queue.Schedule(ctx, t.ID, at); err != nil {
		return sub, s.engine.ReportPersistenceError(component, t.ID, err)
	}

	log.Info("task accepted",
		zap.String("verdict", string(res.Verdict)),
		zap.Time("run_at", at),
		zap.Int("estimated_watts", res.EstimatedWatts),
	)
	return sub, nil
}

func (s *Service) RecordFeedback(ctx context.Context, taskID, kind, note string) (*models.Feedback, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, apperrors.Validation(component, "", "task id is required")
	}
	return s.feedback.RecordFeedback(ctx, taskID, models.FeedbackKind(kind), note)
}

func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, apperrors.Persistence(component, "", err)
	}

	st := &Status{
		Running:     s.running.Load(),
		QueueCounts: counts,
		Whitelist:   s.engine.Whitelist().List(),
	}
	if s.host != nil {
		st.Host = s.host.Snapshot()
	}
	return st, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, taskID, "task not found")
	}
	if err != nil {
		return nil, apperrors.Persistence(component, taskID, err)
	}
	return t, nil
}

// Decisions returns the decision records of a task, oldest first.
func (s *Service) Decisions(ctx context.Context, taskID string) ([]models.DecisionRecord, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListDecisions(ctx, taskID)
	if err != nil {
		return nil, apperrors.Persistence(component, taskID, err)
	}
	return recs, nil
}

// GetHistory returns the most recent tasks. limit defaults to 50 and is
// capped at 500.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	tasks, err := s.store.GetRecentTasks(ctx, limit)
	if err != nil {
		return nil, apperrors.Persistence(component, "", err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return tasks, nil
}

func (s *Service) AddToWhitelist(ctx context.Context, name string) error {
	return s.changeWhitelist(ctx, name, s.engine.Whitelist().Add)
}

func (s *Service) RemoveFromWhitelist(ctx context.Context, name string) error {
	return s.changeWhitelist(ctx, name, s.engine.Whitelist().Remove)
}

func (s *Service) changeWhitelist(ctx context.Context, name string, apply func(context.Context, string) error) error {
	name, err := validateName(name)
	if err != nil {
		return err
	}
	if err := apply(ctx, name); err != nil {
		return s.engine.ReportPersistenceError(component, "", err)
	}
	s.logger.Info("whitelist changed", zap.String("task_name", name), zap.Strings("whitelist", s.engine.Whitelist().List()))
	return nil
}
