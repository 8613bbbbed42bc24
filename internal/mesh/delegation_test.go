package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/queue"
	"github.com/nadmax/deferd/internal/repository/mocks"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delegationFixture struct {
	repo  *mocks.Repository
	queue *queue.Queue
	d     *Delegator
}

func setupDelegation(t *testing.T) *delegationFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	repo := mocks.NewRepository()

	q, err := queue.NewQueue(context.Background(), mr.Addr(), repo, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	reg := newRegistry(t, repo, &clock{now: t0})
	for _, p := range []models.Peer{peer("solar-pi", "solar", 90), peer("grid-box", "grid", 10)} {
		_, err := reg.Announce(context.Background(), p)
		require.NoError(t, err)
	}

	acct := Accountant{LocalPeerID: "local", Local: Grid{IntensityGPerKWh: 400}, ReferenceGPerKWh: 700}
	return &delegationFixture{
		repo:  repo,
		queue: q,
		d:     NewDelegator(repo, q, reg, acct, 5*time.Minute, nil),
	}
}

func (f *delegationFixture) enqueue(t *testing.T, name string, urgency task.Urgency) *task.Task {
	t.Helper()
	tsk := task.NewTask(name, nil, urgency)
	tsk.EstimatedPowerWatts = 120
	require.NoError(t, f.queue.Enqueue(context.Background(), tsk))
	return tsk
}

func TestOffer(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi", FromUser: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.DelegationPending, del.Status)
	assert.Equal(t, "local", del.FromPeer)
	assert.Equal(t, string(task.UrgencyNormal), del.Urgency)

	ok, err := f.queue.Contains(ctx, tsk.ID)
	require.NoError(t, err)
	assert.True(t, ok, "a pending offer keeps the task queued")

	_, err = f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "grid-box"})
	assert.True(t, apperrors.IsMeshConflict(err))
}

func TestOffer_Rejections(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()

	_, err := f.d.Offer(ctx, Offer{TaskID: "missing", ToPeer: "solar-pi"})
	assert.True(t, apperrors.IsNotFound(err))

	eco := f.enqueue(t, "energy-report", task.UrgencyEco)
	_, err = f.d.Offer(ctx, Offer{TaskID: eco.ID, ToPeer: "grid-box"})
	assert.True(t, apperrors.IsValidation(err))

	other := f.enqueue(t, "send-notification", task.UrgencyNormal)
	_, err = f.d.Offer(ctx, Offer{TaskID: other.ID, ToPeer: "solar-pi"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.d.Offer(ctx, Offer{TaskID: eco.ID, ToPeer: "ghost"})
	assert.True(t, apperrors.IsNotFound(err))

	done := f.enqueue(t, "energy-report", task.UrgencyNormal)
	f.repo.Tasks[done.ID].Status = task.StatusCompleted
	_, err = f.d.Offer(ctx, Offer{TaskID: done.ID, ToPeer: "solar-pi"})
	assert.True(t, apperrors.IsMeshConflict(err))

	_, err = f.d.Offer(ctx, Offer{ToPeer: "solar-pi"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestOffer_ConcurrentAttemptsYieldOneDelegation(t *testing.T) {
	f := setupDelegation(t)
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, conflicts int
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Offer(context.Background(), Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperrors.IsMeshConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, conflicts)
	assert.Len(t, f.repo.Delegations, 1)
}

func TestAccept(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
	require.NoError(t, err)

	accepted, err := f.d.Accept(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	ok, err := f.queue.Contains(ctx, tsk.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, _ := f.repo.GetTask(ctx, tsk.ID)
	assert.Equal(t, task.StatusExecuting, stored.Status)

	again, err := f.d.Accept(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationAccepted, again.Status)
	assert.Equal(t, accepted.AcceptedAt, again.AcceptedAt)
}

func TestAccept_ClaimedLocally(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
	require.NoError(t, err)

	ids, err := f.queue.Claim(ctx, "worker-1", time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Equal(t, []string{tsk.ID}, ids)
	f.repo.Tasks[tsk.ID].Status = task.StatusExecuting

	_, err = f.d.Accept(ctx, del.ID)
	assert.True(t, apperrors.IsMeshConflict(err))

	cur, _ := f.repo.GetDelegation(ctx, del.ID)
	assert.Equal(t, models.DelegationPending, cur.Status)
}

func TestAccept_PersistFailureRestoresQueue(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
	require.NoError(t, err)

	f.repo.DelegationError = errors.New("connection refused")
	_, err = f.d.Accept(ctx, del.ID)
	assert.True(t, apperrors.IsPersistence(err))

	ok, err := f.queue.Contains(ctx, tsk.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelegationLifecycle(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
	require.NoError(t, err)
	_, err = f.d.Accept(ctx, del.ID)
	require.NoError(t, err)

	started, err := f.d.Start(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationExecuting, started.Status)

	_, err = f.d.Start(ctx, del.ID)
	require.NoError(t, err, "duplicate start is a no-op")

	done, err := f.d.Complete(ctx, del.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationCompleted, done.Status)
	assert.InDelta(t, 60.0, done.EnergyUsedWh, 1e-9)

	rec, err := f.repo.GetCarbonRecord(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, "solar-pi", rec.PeerID)
	assert.InDelta(t, 0.006, rec.CarbonEmittedKg, 1e-9)
	assert.InDelta(t, 0.036, rec.CarbonAvoidedKg, 1e-9)

	stored, _ := f.repo.GetTask(ctx, tsk.ID)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, "solar-pi", stored.Result["delegated_to"])

	_, err = f.d.Complete(ctx, del.ID, time.Hour)
	require.NoError(t, err)
	assert.Len(t, f.repo.Carbon, 1)

	_, err = f.d.Retract(ctx, del.ID)
	assert.True(t, apperrors.IsMeshConflict(err))
}

func TestRetract(t *testing.T) {
	f := setupDelegation(t)
	ctx := context.Background()
	tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)

	del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
	require.NoError(t, err)

	retracted, err := f.d.Retract(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationRetracted, retracted.Status)

	_, err = f.d.Accept(ctx, del.ID)
	assert.True(t, apperrors.IsMeshConflict(err))

	next, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "grid-box"})
	require.NoError(t, err, "a retracted delegation no longer holds the task")
	assert.NotEqual(t, del.ID, next.ID)
}

func TestFail(t *testing.T) {
	ctx := context.Background()

	t.Run("executing delegation fails the task", func(t *testing.T) {
		f := setupDelegation(t)
		tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)
		del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
		require.NoError(t, err)
		_, err = f.d.Accept(ctx, del.ID)
		require.NoError(t, err)
		_, err = f.d.Start(ctx, del.ID)
		require.NoError(t, err)

		failed, err := f.d.Fail(ctx, del.ID, "peer rebooted")
		require.NoError(t, err)
		assert.Equal(t, models.DelegationFailed, failed.Status)

		stored, _ := f.repo.GetTask(ctx, tsk.ID)
		assert.Equal(t, task.StatusFailed, stored.Status)
		assert.Equal(t, "peer rebooted", stored.Error)

		_, err = f.d.Fail(ctx, del.ID, "again")
		require.NoError(t, err, "duplicate fail is a no-op")

		_, err = f.d.Complete(ctx, del.ID, time.Minute)
		assert.True(t, apperrors.IsMeshConflict(err))
	})

	t.Run("only executing delegations fail", func(t *testing.T) {
		f := setupDelegation(t)
		tsk := f.enqueue(t, "energy-report", task.UrgencyNormal)
		del, err := f.d.Offer(ctx, Offer{TaskID: tsk.ID, ToPeer: "solar-pi"})
		require.NoError(t, err)

		_, err = f.d.Fail(ctx, del.ID, "")
		assert.True(t, apperrors.IsMeshConflict(err), "a pending offer is retracted, not failed")

		_, err = f.d.Accept(ctx, del.ID)
		require.NoError(t, err)
		_, err = f.d.Fail(ctx, del.ID, "")
		assert.True(t, apperrors.IsMeshConflict(err), "accepted must start before it can fail")
		_, err = f.d.Complete(ctx, del.ID, time.Minute)
		assert.True(t, apperrors.IsMeshConflict(err), "accepted must start before it can complete")

		got, err := f.d.Get(ctx, del.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DelegationAccepted, got.Status)
		stored, _ := f.repo.GetTask(ctx, tsk.ID)
		assert.Equal(t, task.StatusExecuting, stored.Status)
	})
}
