package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

type DelegationStore interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	repository.DelegationRepository
}

// LocalQueue is the part of the work queue a delegation touches.
type LocalQueue interface {
	Remove(ctx context.Context, taskID string) (bool, error)
	Schedule(ctx context.Context, taskID string, at time.Time) error
}

type Offer struct {
	TaskID    string           `json:"task_id"`
	ToPeer    string           `json:"to_peer"`
	FromPeer  string           `json:"from_peer"`
	FromUser  string           `json:"from_user"`
	Resources models.Resources `json:"resources"`
}

// Delegator runs the handshake pending -> accepted -> executing ->
// {completed, failed}, or pending -> retracted.
type Delegator struct {
	store   DelegationStore
	queue   LocalQueue
	peers   *Registry
	carbon  Accountant
	maxTime time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	offering map[string]struct{}
}

func NewDelegator(store DelegationStore, queue LocalQueue, peers *Registry, carbon Accountant, maxTaskDuration time.Duration, logger *zap.Logger) *Delegator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delegator{
		store:    store,
		queue:    queue,
		peers:    peers,
		carbon:   carbon,
		maxTime:  maxTaskDuration,
		logger:   logger.Named("delegation"),
		offering: make(map[string]struct{}),
	}
}

func (d *Delegator) lockTask(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.offering[taskID]; busy {
		return false
	}
	d.offering[taskID] = struct{}{}
	return true
}

func (d *Delegator) unlockTask(taskID string) {
	d.mu.Lock()
	delete(d.offering, taskID)
	d.mu.Unlock()
}

// Offer proposes a queued or deferred task to a peer.
func (d *Delegator) Offer(ctx context.Context, o Offer) (*models.Delegation, error) {
	if o.TaskID == "" || o.ToPeer == "" {
		return nil, apperrors.Validation(component, o.TaskID, "task_id and to_peer are required")
	}
	if !d.lockTask(o.TaskID) {
		return nil, apperrors.MeshConflict(component, o.TaskID, "a delegation for this task is being offered")
	}
	defer d.unlockTask(o.TaskID)

	t, err := d.store.GetTask(ctx, o.TaskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, o.TaskID, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if t.Status != task.StatusQueued && t.Status != task.StatusDeferred {
		return nil, apperrors.MeshConflict(component, t.ID, fmt.Sprintf("task is %s", t.Status))
	}

	if _, err := d.store.GetActiveDelegation(ctx, t.ID); err == nil {
		return nil, apperrors.MeshConflict(component, t.ID, "task already has an active delegation")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active delegation: %w", err)
	}

	peer, err := d.peers.Get(ctx, o.ToPeer)
	if err != nil {
		return nil, err
	}
	req := Requirement{TaskName: t.Name, Urgency: t.Urgency, Resources: o.Resources, Duration: d.maxTime}
	if err := d.peers.Eligible(*peer, req, d.peers.now()); err != nil {
		return nil, apperrors.Validation(component, t.ID, err.Error())
	}

	fromPeer := o.FromPeer
	if fromPeer == "" {
		fromPeer = d.carbon.LocalPeerID
	}
	now := time.Now().UTC()
	del := &models.Delegation{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		FromPeer:  fromPeer,
		ToPeer:    peer.ID,
		FromUser:  o.FromUser,
		Status:    models.DelegationPending,
		Urgency:   string(t.Urgency),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.store.CreateDelegation(ctx, del); err != nil {
		if errors.Is(err, repository.ErrActiveDelegation) {
			return nil, apperrors.MeshConflict(component, t.ID, "task already has an active delegation")
		}
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, t.ID, err)
	}
	metrics.RecordDelegation(del.Status)

	d.logger.Info("delegation offered",
		zap.String("delegation_id", del.ID),
		zap.String("task_id", t.ID),
		zap.String("to_peer", peer.ID),
	)
	return del, nil
}

func (d *Delegator) Get(ctx context.Context, delegationID string) (*models.Delegation, error) {
	del, err := d.store.GetDelegation(ctx, delegationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, "", fmt.Sprintf("delegation %s not found", delegationID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation: %w", err)
	}
	return del, nil
}

// Accept takes the task out of the local queue and hands it to the peer. A
// repeated Accept on an accepted delegation is a no-op.
func (d *Delegator) Accept(ctx context.Context, delegationID string) (*models.Delegation, error) {
	del, err := d.Get(ctx, delegationID)
	if err != nil {
		return nil, err
	}

	switch del.Status {
	case models.DelegationAccepted, models.DelegationExecuting, models.DelegationCompleted:
		return del, nil
	case models.DelegationPending:
	default:
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", del.Status))
	}

	removed, err := d.queue.Remove(ctx, del.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to remove task from queue: %w", err)
	}

	accepted, err := d.store.AcceptDelegation(ctx, del.ID, del.TaskID)
	if errors.Is(err, repository.ErrStaleTransition) {
		d.restore(ctx, del.TaskID, removed)
		return nil, apperrors.MeshConflict(component, del.TaskID, "task was already claimed locally")
	}
	if err != nil {
		d.restore(ctx, del.TaskID, removed)
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, del.TaskID, err)
	}
	if !accepted {
		// Raced with another Accept or a Retract.
		cur, err := d.Get(ctx, delegationID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Active() {
			return cur, nil
		}
		d.restore(ctx, del.TaskID, removed)
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", cur.Status))
	}
	metrics.RecordDelegation(models.DelegationAccepted)

	d.logger.Info("delegation accepted",
		zap.String("delegation_id", del.ID),
		zap.String("task_id", del.TaskID),
		zap.String("to_peer", del.ToPeer),
	)
	return d.Get(ctx, delegationID)
}

// restore puts a task back in the queue after a failed Accept removed it.
func (d *Delegator) restore(ctx context.Context, taskID string, removed bool) {
	if !removed {
		return
	}

	at := time.Now().UTC()
	if t, err := d.store.GetTask(ctx, taskID); err == nil && t.ScheduledFor != nil {
		at = *t.ScheduledFor
	}
	if err := d.queue.Schedule(ctx, taskID, at); err != nil {
		d.logger.Error("failed to restore task to queue", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Start records that the peer began executing the task.
func (d *Delegator) Start(ctx context.Context, delegationID string) (*models.Delegation, error) {
	return d.move(ctx, delegationID, []models.DelegationStatus{models.DelegationAccepted}, models.DelegationExecuting)
}

// Retract withdraws a pending offer. The task stays in the local queue.
func (d *Delegator) Retract(ctx context.Context, delegationID string) (*models.Delegation, error) {
	return d.move(ctx, delegationID, []models.DelegationStatus{models.DelegationPending}, models.DelegationRetracted)
}

func (d *Delegator) move(ctx context.Context, delegationID string, from []models.DelegationStatus, to models.DelegationStatus) (*models.Delegation, error) {
	moved, err := d.store.TransitionDelegation(ctx, delegationID, from, to)
	if err != nil {
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, "", err)
	}

	del, err := d.Get(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	if !moved && del.Status != to {
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", del.Status))
	}
	if moved {
		metrics.RecordDelegation(to)
		d.logger.Info("delegation updated",
			zap.String("delegation_id", del.ID),
			zap.String("status", string(to)),
		)
	}
	return del, nil
}

// Complete closes a delegation the peer finished after running for elapsed.
// The task completes and its carbon record is written in one transaction.
func (d *Delegator) Complete(ctx context.Context, delegationID string, elapsed time.Duration) (*models.Delegation, error) {
	del, err := d.Get(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	if del.Status == models.DelegationCompleted {
		return del, nil
	}
	if del.Status != models.DelegationExecuting {
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", del.Status))
	}
	if elapsed < 0 {
		return nil, apperrors.Validation(component, del.TaskID, "elapsed must not be negative")
	}

	t, err := d.store.GetTask(ctx, del.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	grid := d.carbon.Local
	if peer, err := d.peers.Get(ctx, del.ToPeer); err == nil {
		grid = PeerGrid(*peer)
	} else {
		d.logger.Warn("peer unknown at completion, using local grid", zap.String("peer_id", del.ToPeer))
	}

	rec := d.carbon.Record(t.ID, del.ToPeer, grid, t.EstimatedPowerWatts, elapsed, time.Now())
	err = d.store.CompleteDelegation(ctx, del.ID, &rec)
	if errors.Is(err, repository.ErrStaleTransition) {
		return nil, apperrors.MeshConflict(component, del.TaskID, "delegation or task changed state")
	}
	if err != nil {
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, del.TaskID, err)
	}

	metrics.RecordDelegation(models.DelegationCompleted)
	metrics.RecordCarbon(rec)
	metrics.RecordTaskCompleted(t.Name, elapsed)

	d.logger.Info("delegation completed",
		zap.String("delegation_id", del.ID),
		zap.String("task_id", t.ID),
		zap.Float64("energy_wh", rec.EnergyUsedWh),
		zap.Float64("carbon_avoided_kg", rec.CarbonAvoidedKg),
	)
	return d.Get(ctx, delegationID)
}

// Fail closes an executing delegation the peer could not finish. The task
// fails with it. A pending offer is retracted instead.
func (d *Delegator) Fail(ctx context.Context, delegationID, reason string) (*models.Delegation, error) {
	del, err := d.Get(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	if del.Status == models.DelegationFailed {
		return del, nil
	}
	if del.Status != models.DelegationExecuting {
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", del.Status))
	}
	if reason == "" {
		reason = "delegation failed on peer " + del.ToPeer
	}

	err = d.store.FailDelegation(ctx, del.ID, reason)
	if errors.Is(err, repository.ErrStaleTransition) {
		return nil, apperrors.MeshConflict(component, del.TaskID, fmt.Sprintf("delegation is %s", del.Status))
	}
	if err != nil {
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, del.TaskID, err)
	}
	metrics.RecordDelegation(models.DelegationFailed)

	d.logger.Warn("delegation failed",
		zap.String("delegation_id", del.ID),
		zap.String("task_id", del.TaskID),
		zap.String("reason", reason),
	)
	return d.Get(ctx, delegationID)
}
