// Package worker claims due tasks from the queue and runs their handlers
// with the constraints granted by the decision engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const component = "worker"

type Queue interface {
	Claim(ctx context.Context, claimant string, now time.Time, n int) ([]string, error)
	Ack(ctx context.Context, taskID string) error
	Requeue(ctx context.Context, taskID string, at time.Time) error
	Recover(ctx context.Context, self string) (int, error)
	Heartbeat(ctx context.Context, claimant string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, claimant string) error
	Depth(ctx context.Context) (int64, error)
}

type Store interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	TransitionTask(ctx context.Context, taskID string, allowedFrom []task.TaskStatus, to task.TaskStatus, scheduledFor *time.Time, rec *models.DecisionRecord) (bool, error)
	CompleteTask(ctx context.Context, taskID string, result map[string]any, actualWatts int, carbon *models.CarbonRecord) error
	FailTask(ctx context.Context, taskID string, reason string) error
}

// Capacity gates polling on the host having headroom.
type Capacity interface {
	CanExecuteTask() bool
	Now() time.Time
}

type Engine interface {
	Reevaluate(ctx context.Context, t *task.Task, persist decision.PersistFunc) (*decision.Result, error)
	Policy() decision.Policy
	ReportPersistenceError(comp, taskID string, err error) *apperrors.Error
}

type Config struct {
	ID             string
	PollInterval   time.Duration
	MaxConcurrency int
	// LeaseTTL is how long claims survive without a heartbeat before other
	// workers may recover them.
	LeaseTTL time.Duration
}

type Worker struct {
	cfg      Config
	queue    Queue
	store    Store
	capacity Capacity
	engine   Engine
	registry *Registry
	carbon   mesh.Accountant
	sem      *semaphore.Weighted
	logger   *zap.Logger

	wg sync.WaitGroup
}

func NewWorker(cfg Config, q Queue, store Store, capacity Capacity, engine Engine, registry *Registry, carbon mesh.Accountant, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LeaseTTL <= cfg.PollInterval {
		cfg.LeaseTTL = max(3*cfg.PollInterval, 30*time.Second)
	}

	return &Worker{
		cfg:      cfg,
		queue:    q,
		store:    store,
		capacity: capacity,
		engine:   engine,
		registry: registry,
		carbon:   carbon,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:   logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
	}
}

// Run takes a lease, recovers interrupted work, then polls until ctx is
// cancelled. The lease is renewed every poll and claims abandoned by dead
// workers are swept once per lease period. It waits for in-flight tasks and
// drops the lease before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.Heartbeat(ctx, w.cfg.ID, w.cfg.LeaseTTL); err != nil {
		return err
	}
	recovered, err := w.queue.Recover(ctx, w.cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}
	w.logger.Info("worker started",
		zap.Int("recovered", recovered),
		zap.Int("max_concurrency", w.cfg.MaxConcurrency),
		zap.Duration("lease_ttl", w.cfg.LeaseTTL),
		zap.Strings("handlers", w.registry.Names()),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(w.cfg.LeaseTTL)
	defer sweep.Stop()

	for {
		w.Tick(ctx)

		select {
		case <-ctx.Done():
			w.wg.Wait()
			if err := w.queue.ReleaseLease(context.WithoutCancel(ctx), w.cfg.ID); err != nil {
				w.logger.Warn("failed to release lease", zap.Error(err))
			}
			w.logger.Info("worker stopped")
			return nil
		case <-sweep.C:
			if n, err := w.queue.Recover(ctx, ""); err != nil {
				w.logger.Error("failed to sweep abandoned claims", zap.Error(err))
			} else if n > 0 {
				w.logger.Info("recovered abandoned tasks", zap.Int("recovered", n))
			}
		case <-ticker.C:
		}

		if err := w.queue.Heartbeat(ctx, w.cfg.ID, w.cfg.LeaseTTL); err != nil && ctx.Err() == nil {
			w.logger.Error("failed to renew lease", zap.Error(err))
		}
	}
}

// slot is one unit of the concurrency bound. A handler that outlives its
// deadline keeps its slot until it actually returns.
type slot struct {
	sem      *semaphore.Weighted
	detached bool
}

func (s *slot) release() {
	if !s.detached {
		s.sem.Release(1)
	}
}

// detach hands the slot to the handler goroutine and returns its release.
func (s *slot) detach() func() {
	s.detached = true
	return func() { s.sem.Release(1) }
}

// Tick claims as many due tasks as there are free slots and starts them.
func (w *Worker) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !w.capacity.CanExecuteTask() {
		w.logger.Debug("host over capacity, skipping tick")
		return
	}

	slots := 0
	for slots < w.cfg.MaxConcurrency && w.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		return
	}

	ids, err := w.queue.Claim(ctx, w.cfg.ID, w.capacity.Now(), slots)
	if err != nil {
		w.sem.Release(int64(slots))
		w.logger.Error("failed to claim tasks", zap.Error(err))
		return
	}
	if unused := slots - len(ids); unused > 0 {
		w.sem.Release(int64(unused))
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.UpdateQueueDepth(depth)
	}

	for _, id := range ids {
		w.wg.Add(1)
		go func(taskID string) {
			defer w.wg.Done()
			s := &slot{sem: w.sem}
			defer s.release()
			w.process(ctx, taskID, s)
		}(id)
	}
}

// Wait blocks until every started task has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) process(ctx context.Context, taskID string, s *slot) {
	t, err := w.store.GetTask(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		w.logger.Warn("claimed unknown task", zap.String("task_id", taskID))
		w.ack(ctx, taskID)
		return
	}
	if err != nil {
		w.logger.Error("failed to load claimed task", zap.String("task_id", taskID), zap.Error(err))
		w.requeue(ctx, taskID, w.capacity.Now().Add(w.cfg.PollInterval))
		return
	}

	switch t.Status {
	case task.StatusQueued:
		w.runQueued(ctx, t, s)
	case task.StatusDeferred:
		w.runDeferred(ctx, t, s)
	default:
		// Taken by a delegation or already finished.
		w.ack(ctx, taskID)
	}
}

func (w *Worker) runQueued(ctx context.Context, t *task.Task, s *slot) {
	moved, err := w.store.TransitionTask(ctx, t.ID, []task.TaskStatus{task.StatusQueued}, task.StatusExecuting, nil, nil)
	if err != nil {
		w.engine.ReportPersistenceError(component, t.ID, err)
		w.requeue(ctx, t.ID, w.capacity.Now().Add(w.cfg.PollInterval))
		return
	}
	if !moved {
		w.ack(ctx, t.ID)
		return
	}

	w.execute(ctx, t, w.engine.Policy().Constraints(), s)
}

// runDeferred re-decides a deferred task whose window arrived. The new
// decision record chains to the previous one.
func (w *Worker) runDeferred(ctx context.Context, t *task.Task, s *slot) {
	var moved bool
	persist := func(ctx context.Context, res *decision.Result) error {
		from := []task.TaskStatus{task.StatusDeferred}
		var err error
		switch res.Verdict {
		case models.VerdictApproved:
			moved, err = w.store.TransitionTask(ctx, t.ID, from, task.StatusExecuting, nil, res.Record)
		case models.VerdictDeferred:
			moved, err = w.store.TransitionTask(ctx, t.ID, from, task.StatusDeferred, res.ScheduledFor, res.Record)
		default:
			moved, err = w.store.TransitionTask(ctx, t.ID, from, task.StatusDenied, nil, res.Record)
		}
		return err
	}

	res, err := w.engine.Reevaluate(ctx, t, persist)
	if errors.Is(err, decision.ErrVerdictInFlight) || apperrors.IsPersistence(err) {
		w.requeue(ctx, t.ID, w.capacity.Now().Add(w.cfg.PollInterval))
		return
	}
	if err != nil {
		w.logger.Error("failed to re-evaluate task", zap.String("task_id", t.ID), zap.Error(err))
		w.requeue(ctx, t.ID, w.capacity.Now().Add(w.cfg.PollInterval))
		return
	}
	if !moved {
		w.ack(ctx, t.ID)
		return
	}

	switch res.Verdict {
	case models.VerdictApproved:
		c := w.engine.Policy().Constraints()
		if res.Constraints != nil {
			c = *res.Constraints
		}
		if res.EstimatedWatts > 0 {
			t.EstimatedPowerWatts = res.EstimatedWatts
		}
		w.execute(ctx, t, c, s)
	case models.VerdictDeferred:
		w.requeue(ctx, t.ID, *res.ScheduledFor)
	default:
		w.logger.Info("deferred task denied on re-evaluation", zap.String("task_id", t.ID))
		w.ack(ctx, t.ID)
	}
}

type outcome struct {
	result map[string]any
	err    error
}

func (w *Worker) execute(ctx context.Context, t *task.Task, c decision.Constraints, s *slot) {
	defer w.ack(ctx, t.ID)

	log := w.logger.With(zap.String("task_id", t.ID), zap.String("task_name", t.Name))

	h, ok := w.registry.Lookup(t.Name)
	if !ok {
		w.fail(ctx, t, apperrors.ExecutionFailure(component, t.ID, fmt.Errorf("no handler for task %s", t.Name)), 0)
		return
	}
	if op, blocked := blockedOperation(t.Payload, c); blocked {
		w.fail(ctx, t, apperrors.PolicyDenied(component, t.ID, fmt.Sprintf("operation %q is not permitted", op)), 0)
		return
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = w.engine.Policy().MaxTaskDuration
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metrics.HandlersActive.Inc()
	defer metrics.HandlersActive.Dec()

	log.Info("executing task", zap.Duration("timeout", timeout))
	start := time.Now()
	done := make(chan outcome, 1)
	release := s.detach()
	go func() {
		defer release()
		res, err := h.Handle(hctx, t, c)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-hctx.Done():
		if ctx.Err() != nil {
			// Shutdown: the task stays executing and Recover requeues it.
			log.Warn("worker stopping, task interrupted")
			return
		}
		w.fail(ctx, t, apperrors.ExecutionTimeout(component, t.ID, hctx.Err()), time.Since(start))
		return
	}
	elapsed := time.Since(start)

	// The handler finished; record the outcome even if shutdown began meanwhile.
	wctx := context.WithoutCancel(ctx)
	if out.err != nil {
		w.fail(wctx, t, apperrors.ExecutionFailure(component, t.ID, out.err), elapsed)
		return
	}

	rec := w.carbon.RecordLocal(t.ID, t.EstimatedPowerWatts, elapsed, time.Now())
	if err := w.store.CompleteTask(wctx, t.ID, out.result, t.EstimatedPowerWatts, &rec); err != nil {
		w.engine.ReportPersistenceError(component, t.ID, err)
		return
	}
	metrics.RecordTaskCompleted(t.Name, elapsed)
	metrics.RecordCarbon(rec)

	log.Info("task completed",
		zap.Duration("elapsed", elapsed),
		zap.Int("watts", t.EstimatedPowerWatts),
		zap.Float64("energy_wh", rec.EnergyUsedWh),
	)
}

func (w *Worker) fail(ctx context.Context, t *task.Task, cause *apperrors.Error, elapsed time.Duration) {
	if err := w.store.FailTask(ctx, t.ID, cause.Error()); err != nil {
		w.engine.ReportPersistenceError(component, t.ID, err)
		return
	}
	metrics.RecordTaskFailed(t.Name, string(cause.Kind), elapsed)
	w.logger.Warn("task failed",
		zap.String("task_id", t.ID),
		zap.String("task_name", t.Name),
		zap.String("kind", string(cause.Kind)),
		zap.Error(cause),
	)
}

func (w *Worker) ack(ctx context.Context, taskID string) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), taskID); err != nil {
		w.logger.Error("failed to ack task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (w *Worker) requeue(ctx context.Context, taskID string, at time.Time) {
	if err := w.queue.Requeue(context.WithoutCancel(ctx), taskID, at); err != nil {
		w.logger.Error("failed to requeue task", zap.String("task_id", taskID), zap.Error(err))
	}
}

// blockedOperation returns the first operation declared in the payload's
// "operations" list that c does not allow.
func blockedOperation(payload map[string]any, c decision.Constraints) (string, bool) {
	var ops []string
	switch v := payload["operations"].(type) {
	case []string:
		ops = v
	case []any:
		for _, op := range v {
			if s, ok := op.(string); ok {
				ops = append(ops, s)
			}
		}
	}
	for _, op := range ops {
		if !c.Allows(op) {
			return op, true
		}
	}
	return "", false
}
