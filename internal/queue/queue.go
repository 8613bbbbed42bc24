// Package queue implements the crash-recoverable work queue. Redis holds a
// sorted set of task ids scored by their scheduled time and a hash of claimed
// ids; the task rows themselves live in the repository.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueKey    = "deferd:queue"
	claimsKey   = "deferd:claims"
	leasePrefix = "deferd:lease:"
)

// claimScript pops up to ARGV[2] members scored at or below ARGV[1] and records
// them in the claims hash in one step.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', KEYS[2], id, ARGV[3])
end
return ids
`)

// restoreScript re-adds ARGV[2] at score ARGV[1] unless it is already queued
// or claimed.
var restoreScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	return 0
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Store is the part of the repository the queue reads and repairs.
type Store interface {
	repository.TaskRepository
	GetActiveDelegation(ctx context.Context, taskID string) (*models.Delegation, error)
}

type Queue struct {
	client *redis.Client
	repo   Store
	logger *zap.Logger
}

func NewQueue(ctx context.Context, redisAddr string, repo Store, logger *zap.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewQueueWithClient(client, repo, logger), nil
}

func NewQueueWithClient(client *redis.Client, repo Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		repo:   repo,
		logger: logger.Named("queue"),
	}
}

func score(at time.Time) float64 {
	return float64(at.UnixMilli())
}

// Enqueue persists the task before making it visible to claimers.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if err := q.repo.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to persist task before enqueue: %w", err)
	}

	at := t.CreatedAt
	if t.ScheduledFor != nil {
		at = *t.ScheduledFor
	}
	return q.Schedule(ctx, t.ID, at)
}

// Schedule makes an already persisted task claimable from at onwards.
func (q *Queue) Schedule(ctx context.Context, taskID string, at time.Time) error {
	if err := q.client.ZAdd(ctx, queueKey, redis.Z{Score: score(at), Member: taskID}).Err(); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

// Claim atomically takes up to n task ids that are due at now. Concurrent
// claimers never receive the same id.
func (q *Queue) Claim(ctx context.Context, claimant string, now time.Time, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	claimedBy := claimant + "@" + strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := claimScript.Run(ctx, q.client, []string{queueKey, claimsKey},
		strconv.FormatInt(now.UnixMilli(), 10), n, claimedBy).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return ids, nil
}

// Ack releases the claim of a task that reached a state the worker no longer tracks.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.client.HDel(ctx, claimsKey, taskID).Err()
}

// Requeue releases the claim and schedules the task again at at.
func (q *Queue) Requeue(ctx context.Context, taskID string, at time.Time) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, claimsKey, taskID)
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: score(at), Member: taskID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// Remove takes a task off the queue without claiming it. It returns false when
// the task was not waiting, e.g. because a worker already claimed it.
func (q *Queue) Remove(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.ZRem(ctx, queueKey, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove task: %w", err)
	}
	return n == 1, nil
}

// Contains reports whether the task is waiting in the queue.
func (q *Queue) Contains(ctx context.Context, taskID string) (bool, error) {
	_, err := q.client.ZScore(ctx, queueKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Heartbeat marks claimant as alive for ttl. Claims whose owner has no live
// lease are abandoned and may be recovered by any worker.
func (q *Queue) Heartbeat(ctx context.Context, claimant string, ttl time.Duration) error {
	if err := q.client.Set(ctx, leasePrefix+claimant, time.Now().UTC().UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", claimant, err)
	}
	return nil
}

// ReleaseLease drops claimant's lease so its leftover claims can be recovered
// without waiting for the TTL.
func (q *Queue) ReleaseLease(ctx context.Context, claimant string) error {
	return q.client.Del(ctx, leasePrefix+claimant).Err()
}

func claimOwner(value string) string {
	if i := strings.LastIndex(value, "@"); i >= 0 {
		return value[:i]
	}
	return value
}

// abandoned reports whether taskID has no claim or a claim whose owner is
// self or has let its lease lapse.
func (q *Queue) abandoned(ctx context.Context, taskID, self string) (bool, error) {
	value, err := q.client.HGet(ctx, claimsKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read claim for %s: %w", taskID, err)
	}

	owner := claimOwner(value)
	if owner == "" || (self != "" && owner == self) {
		return true, nil
	}
	n, err := q.client.Exists(ctx, leasePrefix+owner).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lease for %s: %w", owner, err)
	}
	return n == 0, nil
}

// Recover requeues tasks left executing by a dead worker and re-adds claimed
// ids that never left queued or deferred. Only claims that are missing or
// whose owner's lease has expired are touched, so it is safe to run while
// other workers are busy. self names the calling worker at startup, when
// none of its old claims can still be running; a running worker passes "".
// Tasks held by an active delegation run on a peer and are left alone.
func (q *Queue) Recover(ctx context.Context, self string) (int, error) {
	now := time.Now().UTC()
	recovered := 0

	executing, err := q.repo.ListTasksByStatus(ctx, task.StatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("failed to list executing tasks: %w", err)
	}

	for _, t := range executing {
		if _, err := q.repo.GetActiveDelegation(ctx, t.ID); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return recovered, err
		}

		stale, err := q.abandoned(ctx, t.ID, self)
		if err != nil {
			return recovered, err
		}
		if !stale {
			continue
		}

		moved, err := q.repo.TransitionTask(ctx, t.ID, []task.TaskStatus{task.StatusExecuting}, task.StatusQueued, nil, nil)
		if err != nil {
			return recovered, fmt.Errorf("failed to reset task %s: %w", t.ID, err)
		}
		if !moved {
			continue
		}
		if err := q.Requeue(ctx, t.ID, now); err != nil {
			return recovered, err
		}
		recovered++
		q.logger.Warn("requeued interrupted task", zap.String("task_id", t.ID))
	}

	claims, err := q.client.HKeys(ctx, claimsKey).Result()
	if err != nil {
		return recovered, fmt.Errorf("failed to list claims: %w", err)
	}

	for _, id := range claims {
		stale, err := q.abandoned(ctx, id, self)
		if err != nil {
			return recovered, err
		}
		if !stale {
			continue
		}

		t, err := q.repo.GetTask(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			_ = q.Ack(ctx, id)
			continue
		}
		if err != nil {
			return recovered, err
		}

		switch t.Status {
		case task.StatusQueued, task.StatusDeferred:
			at := now
			if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
				at = *t.ScheduledFor
			}
			if err := q.Requeue(ctx, id, at); err != nil {
				return recovered, err
			}
			recovered++
			q.logger.Warn("requeued orphaned claim", zap.String("task_id", id))
		case task.StatusExecuting:
			// delegated, or reset above and already replaced by a queue entry
		default:
			_ = q.Ack(ctx, id)
		}
	}

	// Rows whose queue entry was never written, e.g. after a Redis outage
	// between the store commit and Schedule.
	for _, status := range []task.TaskStatus{task.StatusQueued, task.StatusDeferred} {
		waiting, err := q.repo.ListTasksByStatus(ctx, status)
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, t := range waiting {
			at := now
			if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
				at = *t.ScheduledFor
			}
			added, err := restoreScript.Run(ctx, q.client, []string{queueKey, claimsKey}, score(at), t.ID).Int()
			if err != nil {
				return recovered, fmt.Errorf("failed to restore %s: %w", t.ID, err)
			}
			if added == 0 {
				continue
			}
			recovered++
			q.logger.Warn("restored missing queue entry", zap.String("task_id", t.ID), zap.String("status", string(status)))
		}
	}

	return recovered, nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	byStatus, err := q.repo.CountTasksByStatus(ctx)
	if err != nil {
		return models.QueueCounts{}, fmt.Errorf("failed to count tasks: %w", err)
	}

	return models.QueueCounts{
		Pending:   byStatus[task.StatusQueued] + byStatus[task.StatusDeferred],
		Active:    byStatus[task.StatusExecuting],
		Completed: byStatus[task.StatusCompleted],
		Failed:    byStatus[task.StatusFailed],
		Denied:    byStatus[task.StatusDenied],
	}, nil
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}
