// Package decision decides, for each task, whether it runs now, is deferred
// to a later window or is denied. The verdict comes from an ordered chain of
// rules over an immutable Input; every evaluation yields a Decision Record.
package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

const component = "decision"

var ErrVerdictInFlight = errors.New("a verdict for this task is already being computed")

// Scheduler is what the engine reads from the scheduler.
type Scheduler interface {
	Windows
	Now() time.Time
	Snapshot() models.SystemSnapshot
}

// Advisor supplies advisory text about a task name from past feedback.
type Advisor interface {
	Advise(ctx context.Context, taskName string) string
}

type Request struct {
	TaskID             string
	TaskName           string
	Payload            map[string]any
	Urgency            task.Urgency
	PreviousDecisionID string
}

type Result struct {
	TaskID         string                 `json:"task_id"`
	Verdict        models.Verdict         `json:"verdict"`
	Rule           string                 `json:"rule"`
	Reasoning      []string               `json:"reasoning"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
	EstimatedWatts int                    `json:"estimated_power_cost,omitempty"`
	Constraints    *Constraints           `json:"constraints,omitempty"`
	Record         *models.DecisionRecord `json:"-"`
}

// PersistFunc writes the outcome of a decision. It runs while the task's
// in-flight guard is held.
type PersistFunc func(ctx context.Context, res *Result) error

type Engine struct {
	policy    Policy
	whitelist *Whitelist
	sched     Scheduler
	advisor   Advisor
	rules     []Rule
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	errs     chan *apperrors.Error
}

type Option func(*Engine)

func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

func WithAdvisor(a Advisor) Option {
	return func(e *Engine) { e.advisor = a }
}

func NewEngine(policy Policy, whitelist *Whitelist, sched Scheduler, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		policy:    policy,
		whitelist: whitelist,
		sched:     sched,
		logger:    logger.Named("decision"),
		inFlight:  make(map[string]struct{}),
		errs:      make(chan *apperrors.Error, 64),
	}
	e.rules = DefaultRules(policy, sched)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Whitelist() *Whitelist {
	return e.whitelist
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Errors delivers persistence failures of decision writes. Errors are dropped
// when nobody drains the channel.
func (e *Engine) Errors() <-chan *apperrors.Error {
	return e.errs
}

// ReportPersistenceError surfaces a failed write without blocking the caller.
func (e *Engine) ReportPersistenceError(comp, taskID string, err error) *apperrors.Error {
	perr := apperrors.Persistence(comp, taskID, err)
	metrics.RecordPersistenceError(comp)
	e.logger.Error("persistence failed",
		zap.String("component", comp),
		zap.String("task_id", taskID),
		zap.Error(err),
	)

	select {
	case e.errs <- perr:
	default:
	}
	return perr
}

func (e *Engine) acquire(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inFlight[taskID]; busy {
		return false
	}
	e.inFlight[taskID] = struct{}{}
	return true
}

func (e *Engine) release(taskID string) {
	e.mu.Lock()
	delete(e.inFlight, taskID)
	e.mu.Unlock()
}

// Decide evaluates the rule chain for req and hands the result to persist.
// When persist fails the result is still returned together with a
// persistence error, which is also pushed on Errors.
func (e *Engine) Decide(ctx context.Context, req Request, persist PersistFunc) (*Result, error) {
	if !e.acquire(req.TaskID) {
		return nil, ErrVerdictInFlight
	}
	defer e.release(req.TaskID)

	res := e.Evaluate(ctx, req)
	metrics.RecordDecision(res.Rule, res.Verdict)

	e.logger.Info("decided",
		zap.String("task_id", req.TaskID),
		zap.String("task_name", req.TaskName),
		zap.String("verdict", string(res.Verdict)),
		zap.String("rule", res.Rule),
	)

	if persist == nil {
		return res, nil
	}
	if err := persist(ctx, res); err != nil {
		return res, e.ReportPersistenceError(component, req.TaskID, err)
	}
	return res, nil
}

// Reevaluate decides again on a deferred task that reached its window. The
// new record links to the task's previous decision.
func (e *Engine) Reevaluate(ctx context.Context, t *task.Task, persist PersistFunc) (*Result, error) {
	return e.Decide(ctx, Request{
		TaskID:             t.ID,
		TaskName:           t.Name,
		Payload:            t.Payload,
		Urgency:            t.Urgency,
		PreviousDecisionID: t.LastDecisionID,
	}, persist)
}

// Evaluate runs the rule chain without the in-flight guard or persistence.
func (e *Engine) Evaluate(ctx context.Context, req Request) *Result {
	in := Input{
		TaskID:      req.TaskID,
		TaskName:    req.TaskName,
		Payload:     req.Payload,
		Urgency:     req.Urgency,
		Now:         e.sched.Now(),
		Snapshot:    e.sched.Snapshot(),
		Whitelisted: e.whitelist.Contains(req.TaskName),
	}
	if in.Whitelisted && e.advisor != nil {
		in.Advice = e.advisor.Advise(ctx, req.TaskName)
	}

	res := &Result{TaskID: req.TaskID}
	for _, rule := range e.rules {
		step := rule.Eval(in)
		if step.Reason != "" {
			res.Reasoning = append(res.Reasoning, step.Reason)
		}
		if step.EstimatedWatts > 0 {
			in.EstimatedWatts = step.EstimatedWatts
		}
		if !step.Terminal() {
			continue
		}

		res.Verdict = step.Verdict
		res.Rule = rule.Name
		res.ScheduledFor = step.ScheduledFor
		break
	}

	if res.Verdict == "" {
		res.Verdict = models.VerdictDenied
		res.Rule = "default"
		res.Reasoning = append(res.Reasoning, "no rule reached a verdict")
	}
	if res.Verdict != models.VerdictDenied {
		res.EstimatedWatts = in.EstimatedWatts
	}
	if res.Verdict == models.VerdictApproved {
		c := e.policy.Constraints()
		res.Constraints = &c
	}

	if e.policy.Audit {
		res.Record = &models.DecisionRecord{
			ID:                 uuid.New().String(),
			TaskID:             req.TaskID,
			TaskName:           req.TaskName,
			Verdict:            res.Verdict,
			Rule:               res.Rule,
			Reasoning:          res.Reasoning,
			Snapshot:           in.Snapshot,
			ScheduledFor:       res.ScheduledFor,
			EstimatedWatts:     res.EstimatedWatts,
			PreviousDecisionID: req.PreviousDecisionID,
			CreatedAt:          in.Now.UTC(),
		}
	}

	return res
}
