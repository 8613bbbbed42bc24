package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskRowColumns = []string{
	"id", "name", "payload", "urgency", "status", "created_at",
	"scheduled_for", "executed_at", "completed_at",
	"estimated_power_watts", "actual_power_watts", "result",
	"error", "last_decision_id",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewStoreWithDB(db, nil)
}

func TestNewStore(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := NewStore(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable", nil)
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("applies pending migration", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("001_init.sql").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS tasks").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs("001_init.sql", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.Migrate(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips applied migration", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("001_init.sql").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		require.NoError(t, store.Migrate(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetTask(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful retrieval", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]any{"size_mb": 4})
		result, _ := json.Marshal(map[string]any{"rows_deleted": 12})

		rows := sqlmock.NewRows(taskRowColumns).AddRow(
			"task-1", "database-cleanup", payload, "normal", "completed", now,
			nil, now, now,
			15, 14, result,
			nil, "dec-1",
		)
		mock.ExpectQuery("SELECT.*FROM tasks WHERE id").
			WithArgs("task-1").
			WillReturnRows(rows)

		got, err := store.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "database-cleanup", got.Name)
		assert.Equal(t, task.UrgencyNormal, got.Urgency)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.Nil(t, got.ScheduledFor)
		require.NotNil(t, got.ActualPowerWatts)
		assert.Equal(t, 14, *got.ActualPowerWatts)
		assert.Equal(t, "dec-1", got.LastDecisionID)
		assert.EqualValues(t, 12, got.Result["rows_deleted"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM tasks WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid payload JSON", func(t *testing.T) {
		rows := sqlmock.NewRows(taskRowColumns).AddRow(
			"task-1", "database-cleanup", []byte("not json"), "normal", "queued", now,
			nil, nil, nil,
			15, nil, nil,
			nil, nil,
		)
		mock.ExpectQuery("SELECT.*FROM tasks WHERE id").
			WithArgs("task-1").
			WillReturnRows(rows)

		_, err := store.GetTask(ctx, "task-1")
		assert.ErrorContains(t, err, "failed to unmarshal payload")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreateTaskWithDecision(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	tsk := task.NewTask("energy-report", map[string]any{}, task.UrgencyLow)
	rec := &models.DecisionRecord{
		ID:        "dec-1",
		TaskID:    tsk.ID,
		TaskName:  tsk.Name,
		Verdict:   models.VerdictDeferred,
		Rule:      "peak_hours",
		Reasoning: []string{"peak hours"},
		CreatedAt: time.Now(),
	}

	t.Run("writes task and decision in one transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO decision_records").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateTaskWithDecision(ctx, tsk, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the decision insert fails", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO decision_records").WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		err := store.CreateTaskWithDecision(ctx, tsk, rec)
		assert.ErrorContains(t, err, "failed to save decision record")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil record skips the audit insert", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateTaskWithDecision(ctx, tsk, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransitionTask(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	from := []task.TaskStatus{task.StatusDeferred}

	t.Run("moves task and records decision", func(t *testing.T) {
		rec := &models.DecisionRecord{ID: "dec-2", TaskID: "task-1", Verdict: models.VerdictApproved, CreatedAt: time.Now()}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("deferred"))
		mock.ExpectExec("UPDATE tasks").
			WithArgs("queued", nil, nil, "dec-2", "task-1", "deferred").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO decision_records").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		moved, err := store.TransitionTask(ctx, "task-1", from, task.StatusQueued, nil, rec)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not in allowed state", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("executing"))
		mock.ExpectCommit()

		moved, err := store.TransitionTask(ctx, "task-1", from, task.StatusQueued, nil, nil)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rescheduling keeps the status", func(t *testing.T) {
		at := time.Now().Add(time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("deferred"))
		mock.ExpectExec("UPDATE tasks").
			WithArgs("deferred", at, nil, nil, "task-1", "deferred").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		moved, err := store.TransitionTask(ctx, "task-1", from, task.StatusDeferred, &at, nil)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown task", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := store.TransitionTask(ctx, "missing", from, task.StatusQueued, nil, nil)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCompleteTask(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	carbon := &models.CarbonRecord{
		ID:                   "carbon-1",
		TaskID:               "task-1",
		PeerID:               "local",
		GridIntensityGPerKWh: 400,
		EnergyUsedWh:         1.5,
		ExecutedAt:           time.Now(),
	}

	t.Run("completes and writes carbon record", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE tasks").
			WithArgs(15, sqlmock.AnyArg(), "task-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO carbon_records").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.CompleteTask(ctx, "task-1", map[string]any{"ok": true}, 15, carbon)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task no longer executing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE tasks").
			WithArgs(15, nil, "task-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.CompleteTask(ctx, "task-1", nil, 15, carbon)
		assert.ErrorIs(t, err, repository.ErrStaleTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountTasksByStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("queued", 3).
		AddRow("denied", 1)
	mock.ExpectQuery("SELECT status, COUNT").WillReturnRows(rows)

	counts, err := store.CountTasksByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[task.StatusQueued])
	assert.Equal(t, 1, counts[task.StatusDenied])
	assert.Equal(t, 0, counts[task.StatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDecisions(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	snapshot, _ := json.Marshal(models.SystemSnapshot{CPUPercent: 91, CanExecute: false})

	rows := sqlmock.NewRows([]string{
		"id", "task_id", "task_name", "verdict", "rule", "reasoning", "snapshot",
		"scheduled_for", "estimated_watts", "previous_decision_id", "created_at",
	}).
		AddRow("dec-1", "task-1", "energy-report", "deferred", "capacity", []byte(`["cpu 91%"]`), snapshot, now, 8, nil, now).
		AddRow("dec-2", "task-1", "energy-report", "approved", "approved", []byte(`[]`), snapshot, nil, 8, "dec-1", now)

	mock.ExpectQuery("FROM decision_records").
		WithArgs("task-1").
		WillReturnRows(rows)

	records, err := store.ListDecisions(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"cpu 91%"}, records[0].Reasoning)
	assert.InDelta(t, 91, records[0].Snapshot.CPUPercent, 0.001)
	assert.NotNil(t, records[0].ScheduledFor)
	assert.Equal(t, "dec-1", records[1].PreviousDecisionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDelegation(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	d := &models.Delegation{
		ID:        "del-1",
		TaskID:    "task-1",
		FromPeer:  "local",
		ToPeer:    "solar-1",
		Status:    models.DelegationPending,
		Urgency:   "solar_only",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	t.Run("inserts", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO delegations").WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, store.CreateDelegation(ctx, d))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second active delegation", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO delegations").WillReturnError(&pq.Error{Code: "23505"})

		err := store.CreateDelegation(ctx, d)
		assert.ErrorIs(t, err, repository.ErrActiveDelegation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAcceptDelegation(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	lockRows := func(status string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"task_id", "to_peer", "status"}).AddRow("task-1", "solar-1", status)
	}

	t.Run("accepts pending delegation", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM delegations WHERE id = \\$1 FOR UPDATE").
			WithArgs("del-1").
			WillReturnRows(lockRows("pending"))
		mock.ExpectExec("UPDATE delegations").
			WithArgs("del-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
		mock.ExpectExec("UPDATE tasks").
			WithArgs("executing", nil, sqlmock.AnyArg(), nil, "task-1", "queued").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		accepted, err := store.AcceptDelegation(ctx, "del-1", "task-1")
		require.NoError(t, err)
		assert.True(t, accepted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate accept is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM delegations WHERE id = \\$1 FOR UPDATE").
			WithArgs("del-1").
			WillReturnRows(lockRows("accepted"))
		mock.ExpectCommit()

		accepted, err := store.AcceptDelegation(ctx, "del-1", "task-1")
		require.NoError(t, err)
		assert.False(t, accepted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task already executing locally", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM delegations WHERE id = \\$1 FOR UPDATE").
			WithArgs("del-1").
			WillReturnRows(lockRows("pending"))
		mock.ExpectExec("UPDATE delegations").
			WithArgs("del-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT status FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("executing"))
		mock.ExpectRollback()

		_, err := store.AcceptDelegation(ctx, "del-1", "task-1")
		assert.ErrorIs(t, err, repository.ErrStaleTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertBallot(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()
	b := models.Ballot{ID: "b-2", VoteID: "vote-1", VoterID: "alice", Importance: models.ImportanceLow, CastAt: now}

	t.Run("first ballot counts", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO ballots").WillReturnResult(sqlmock.NewResult(1, 1))

		got, inserted, err := store.InsertBallot(ctx, b)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, b, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate returns the original", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO ballots").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM ballots").
			WithArgs("vote-1", "alice").
			WillReturnRows(sqlmock.NewRows([]string{"id", "vote_id", "voter_id", "importance", "cast_at"}).
				AddRow("b-1", "vote-1", "alice", "critical", now))

		got, inserted, err := store.InsertBallot(ctx, b)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "b-1", got.ID)
		assert.Equal(t, models.ImportanceCritical, got.Importance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveVote(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE importance_votes").
		WithArgs("consensus", "critical", 0.5, "vote-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	resolved, err := store.ResolveVote(context.Background(), "vote-1", models.VoteConsensus, models.ImportanceCritical, 0.5)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnergySummary(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("FROM carbon_records").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "energy", "emitted", "avoided", "renewable"}).
			AddRow(4, 12.5, 0.005, 0.0037, 20.0))

	sum, err := store.EnergySummary(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TasksExecuted)
	assert.InDelta(t, 12.5, sum.TotalEnergyWh, 1e-9)
	assert.InDelta(t, 0.0037, sum.TotalAvoidedKg, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStalePeersOffline(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	cutoff := time.Now().Add(-90 * time.Second)
	mock.ExpectExec("UPDATE peers SET status = 'offline'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.MarkStalePeersOffline(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
