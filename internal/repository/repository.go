// Package repository declares the persistence contracts of the service.
// The PostgreSQL implementation lives in repository/postgres and an in-memory
// test double in repository/mocks.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrActiveDelegation = errors.New("task already has an active delegation")
	ErrStaleTransition  = errors.New("record is not in an expected state")
)

type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	// CreateTaskWithDecision inserts the task and its decision record atomically.
	// rec may be nil when auditing is disabled.
	CreateTaskWithDecision(ctx context.Context, t *task.Task, rec *models.DecisionRecord) error
	// TransitionTask moves a task to `to` only if its current status is in allowedFrom.
	// It returns false, nil when the task was not in an allowed state. When rec is not
	// nil it is written in the same transaction.
	TransitionTask(ctx context.Context, taskID string, allowedFrom []task.TaskStatus, to task.TaskStatus, scheduledFor *time.Time, rec *models.DecisionRecord) (bool, error)
	// CompleteTask moves an executing task to completed and writes its carbon record once.
	CompleteTask(ctx context.Context, taskID string, result map[string]any, actualWatts int, carbon *models.CarbonRecord) error
	FailTask(ctx context.Context, taskID string, reason string) error
	ListTasksByStatus(ctx context.Context, status task.TaskStatus) ([]*task.Task, error)
	GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error)
	CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
}

type DecisionRepository interface {
	SaveDecision(ctx context.Context, rec *models.DecisionRecord) error
	ListDecisions(ctx context.Context, taskID string) ([]models.DecisionRecord, error)
}

type FeedbackRepository interface {
	SaveFeedback(ctx context.Context, f *models.Feedback) error
	ListFeedback(ctx context.Context, taskID string) ([]models.Feedback, error)
	// CountFeedback aggregates the feedback table for one task name.
	CountFeedback(ctx context.Context, taskName string) (models.LearnedPattern, error)
	// RecomputePatterns rebuilds the learned_patterns cache from the full feedback table.
	RecomputePatterns(ctx context.Context) ([]models.LearnedPattern, error)
	UpsertPattern(ctx context.Context, p models.LearnedPattern) error
	GetPattern(ctx context.Context, taskName string) (*models.LearnedPattern, error)
}

type MetricsRepository interface {
	SaveSystemMetric(ctx context.Context, m *models.SystemMetric) error
	PruneSystemMetrics(ctx context.Context, before time.Time) (int64, error)
}

type WhitelistRepository interface {
	SaveWhitelistOverride(ctx context.Context, o models.WhitelistOverride) error
	ListWhitelistOverrides(ctx context.Context) ([]models.WhitelistOverride, error)
}

type PeerRepository interface {
	UpsertPeer(ctx context.Context, p *models.Peer) error
	GetPeer(ctx context.Context, peerID string) (*models.Peer, error)
	ListPeers(ctx context.Context) ([]models.Peer, error)
	TouchPeer(ctx context.Context, peerID string, available models.Resources, seenAt time.Time) error
	SetPeerStatus(ctx context.Context, peerID string, status models.PeerStatus) error
	MarkStalePeersOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

type VoteRepository interface {
	CreateVote(ctx context.Context, v *models.Vote) error
	GetVote(ctx context.Context, voteID string) (*models.Vote, error)
	// InsertBallot stores b unless the voter already voted; it returns the ballot
	// that counts and whether b was the one inserted.
	InsertBallot(ctx context.Context, b models.Ballot) (models.Ballot, bool, error)
	ResolveVote(ctx context.Context, voteID string, status models.VoteStatus, consensus models.Importance, confidence float64) (bool, error)
	ListExpiredVotes(ctx context.Context, now time.Time) ([]models.Vote, error)
}

type DelegationRepository interface {
	// CreateDelegation returns ErrActiveDelegation when the task already has a
	// pending, accepted or executing delegation.
	CreateDelegation(ctx context.Context, d *models.Delegation) error
	GetDelegation(ctx context.Context, delegationID string) (*models.Delegation, error)
	GetActiveDelegation(ctx context.Context, taskID string) (*models.Delegation, error)
	TransitionDelegation(ctx context.Context, delegationID string, allowedFrom []models.DelegationStatus, to models.DelegationStatus) (bool, error)
	// AcceptDelegation moves the delegation to accepted and its task to executing.
	AcceptDelegation(ctx context.Context, delegationID, taskID string) (bool, error)
	CompleteDelegation(ctx context.Context, delegationID string, carbon *models.CarbonRecord) error
	FailDelegation(ctx context.Context, delegationID string, reason string) error
}

type CarbonRepository interface {
	GetCarbonRecord(ctx context.Context, taskID string) (*models.CarbonRecord, error)
	EnergySummary(ctx context.Context, since time.Time) (models.EnergySummary, error)
}

// Repository is the full persistent store.
type Repository interface {
	TaskRepository
	DecisionRepository
	FeedbackRepository
	MetricsRepository
	WhitelistRepository
	PeerRepository
	VoteRepository
	DelegationRepository
	CarbonRepository
	Close() error
}
