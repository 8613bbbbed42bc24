package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/deferd/internal/dashboard"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/learning"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/queue"
	"github.com/nadmax/deferd/internal/repository/mocks"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/scheduler"
	"github.com/nadmax/deferd/internal/service"
	"github.com/nadmax/deferd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offPeak keeps every verdict in these tests independent of the wall clock.
var offPeak = time.Date(2026, 3, 10, 23, 10, 0, 0, time.UTC)

type testEnv struct {
	api   *API
	repo  *mocks.Repository
	queue *queue.Queue
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	repo := mocks.NewRepository()
	q, err := queue.NewQueue(ctx, mr.Addr(), repo, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sched := scheduler.New(scheduler.Config{
		OffPeakHours:        []int{0, 1, 2, 3, 4, 5, 22, 23},
		Location:            time.UTC,
		CPUThresholdPercent: 80,
		MemThresholdPercent: 85,
		SampleInterval:      time.Minute,
		RetryInterval:       5 * time.Minute,
		BatchGranularity:    15 * time.Minute,
	}, scheduler.StaticSampler{CPUPercent: 10, MemoryPercent: 20}, nil, nil,
		scheduler.WithClock(func() time.Time { return offPeak }))
	_, err = sched.Refresh(ctx)
	require.NoError(t, err)

	loop, err := learning.NewLoop(repo, repo, learning.Options{FeedbackEnabled: true, LearningEnabled: true}, nil)
	require.NoError(t, err)

	policy := decision.Policy{
		TaskBaseWatts:      map[string]int{"energy-report": 8},
		DefaultBaseWatts:   10,
		MaxTaskDuration:    5 * time.Minute,
		MaxMemoryPerTaskMB: 256,
		Audit:              true,
	}
	engine := decision.NewEngine(policy, decision.NewWhitelist([]string{"energy-report", "database-cleanup"}, repo), sched, nil)
	svc := service.New(engine, repo, q, loop, sched, nil)

	acct := mesh.Accountant{LocalPeerID: "local", Local: mesh.Grid{IntensityGPerKWh: 400}, ReferenceGPerKWh: 700}
	peers := mesh.NewRegistry(repo, time.Minute, 50, nil)
	m := Mesh{
		Peers:       peers,
		Delegations: mesh.NewDelegator(repo, q, peers, acct, policy.MaxTaskDuration, nil),
		Votes:       mesh.NewVoting(repo, 10*time.Minute, nil),
	}

	return &testEnv{
		api:   NewAPI(svc, m, dashboard.NewDashboard(repo, q), nil),
		repo:  repo,
		queue: q,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.api.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) submit(t *testing.T, name, urgency string) service.Submission {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/tasks", TaskRequest{Name: name, Urgency: urgency})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[service.Submission](t, w)
}

func TestCreateTask(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/tasks", TaskRequest{
		Name:    "energy-report",
		Payload: map[string]any{"report_type": "energy_summary"},
		Urgency: "normal",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	sub := decode[service.Submission](t, w)
	assert.NotEmpty(t, sub.TaskID)
	assert.Equal(t, models.VerdictApproved, sub.Verdict)
	assert.Equal(t, 8, sub.EstimatedPowerCost)
	assert.NotEmpty(t, sub.Reasoning)

	ok, err := env.queue.Contains(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateTask_Denied(t *testing.T) {
	env := setupTestAPI(t)

	sub := env.submit(t, "unregistered-task", "normal")

	assert.Equal(t, models.VerdictDenied, sub.Verdict)
	assert.Contains(t, sub.Reasoning[0], "whitelist")
	ok, err := env.queue.Contains(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateTask_BadRequests(t *testing.T) {
	env := setupTestAPI(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{not json"},
		{"missing name", TaskRequest{Urgency: "normal"}},
		{"unknown urgency", TaskRequest{Name: "energy-report", Urgency: "asap"}},
		{"empty body", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w), "error")
		})
	}
	assert.Empty(t, env.repo.Tasks)
}

func TestCreateTask_PersistenceFailure(t *testing.T) {
	env := setupTestAPI(t)
	env.repo.CreateTaskError = errors.New("connection refused")

	w := env.do(t, http.MethodPost, "/api/tasks", TaskRequest{Name: "energy-report"})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[SubmitErrorResponse](t, w)
	assert.Contains(t, resp.Error, "connection refused")
	require.NotNil(t, resp.Submission)
	assert.Equal(t, models.VerdictApproved, resp.Submission.Verdict)
}

func TestTasks_MethodNotAllowed(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPut, "/api/tasks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(t, http.MethodDelete, "/api/tasks/some-id", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetTaskByID(t *testing.T) {
	env := setupTestAPI(t)
	sub := env.submit(t, "energy-report", "high")

	w := env.do(t, http.MethodGet, "/api/tasks/"+sub.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[task.Task](t, w)
	assert.Equal(t, sub.TaskID, got.ID)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, task.UrgencyHigh, got.Urgency)

	w = env.do(t, http.MethodGet, "/api/tasks/"+sub.TaskID+"/decisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decode[[]models.DecisionRecord](t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, sub.DecisionID, recs[0].ID)
}

func TestGetTaskByID_NotFound(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/tasks/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "task not found", decode[map[string]string](t, w)["error"])
}

func TestRecordFeedback(t *testing.T) {
	env := setupTestAPI(t)
	sub := env.submit(t, "energy-report", "normal")

	w := env.do(t, http.MethodPost, "/api/tasks/"+sub.TaskID+"/feedback", FeedbackRequest{Kind: "optimizable", Note: "could batch"})
	require.Equal(t, http.StatusCreated, w.Code)
	fb := decode[models.Feedback](t, w)
	assert.Equal(t, models.FeedbackOptimizable, fb.Kind)

	w = env.do(t, http.MethodPost, "/api/tasks/"+sub.TaskID+"/feedback", FeedbackRequest{Kind: "meh"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/tasks/missing/feedback", FeedbackRequest{Kind: "necessary"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistory(t *testing.T) {
	env := setupTestAPI(t)
	for range 3 {
		env.submit(t, "energy-report", "normal")
	}

	w := env.do(t, http.MethodGet, "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]task.Task](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]task.Task](t, w), 3)

	for _, bad := range []string{"abc", "-1"} {
		w = env.do(t, http.MethodGet, "/api/history?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestStatusAndWhitelist(t *testing.T) {
	env := setupTestAPI(t)
	env.submit(t, "energy-report", "normal")

	w := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[service.Status](t, w)
	assert.Equal(t, 1, st.QueueCounts.Pending)
	assert.Equal(t, []string{"database-cleanup", "energy-report"}, st.Whitelist)

	w = env.do(t, http.MethodPost, "/api/whitelist/send-notification", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[service.Status](t, w).Whitelist, "send-notification")

	w = env.do(t, http.MethodDelete, "/api/whitelist/energy-report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode[service.Status](t, w).Whitelist, "energy-report")

	assert.Equal(t, models.VerdictDenied, env.submit(t, "energy-report", "normal").Verdict)

	env.repo.SaveOverrideError = errors.New("read-only")
	w = env.do(t, http.MethodPost, "/api/whitelist/backup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func solarPeer() PeerRequest {
	return PeerRequest{
		ID:                   "solar-1",
		Energy:               models.EnergyProfile{Type: mesh.EnergySolar, PercentClean: 95},
		Capacity:             models.Resources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000},
		AllowedTasks:         []string{"energy-report"},
		MaxTaskDuration:      "10m",
		GridIntensityGPerKWh: 50,
		RenewablePercent:     95,
	}
}

func TestPeers(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/peers", solarPeer())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[models.Peer](t, w)
	assert.Equal(t, models.PeerOnline, p.Status)
	assert.Equal(t, 10*time.Minute, p.MaxTaskDuration)

	bad := solarPeer()
	bad.MaxTaskDuration = "soon"
	w = env.do(t, http.MethodPost, "/api/peers", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad = solarPeer()
	bad.Energy.PercentClean = 140
	w = env.do(t, http.MethodPost, "/api/peers", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Peer](t, w), 1)

	w = env.do(t, http.MethodPost, "/api/peers/solar-1/heartbeat", HeartbeatRequest{Available: models.Resources{CPUCores: 2, MemoryMB: 1024}})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/peers/ghost/heartbeat", HeartbeatRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/peers/candidates?task=energy-report&urgency=solar_only", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cands := decode[[]models.Peer](t, w)
	require.Len(t, cands, 1)
	assert.Equal(t, "solar-1", cands[0].ID)

	w = env.do(t, http.MethodGet, "/api/peers/candidates?task=database-cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.Peer](t, w))

	w = env.do(t, http.MethodGet, "/api/peers/candidates", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/peers/solar-1/maintenance", MaintenanceRequest{On: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PeerMaintenance, decode[models.Peer](t, w).Status)
}

func TestDelegationLifecycle(t *testing.T) {
	env := setupTestAPI(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/peers", solarPeer()).Code)
	sub := env.submit(t, "energy-report", "solar_only")

	offer := mesh.Offer{TaskID: sub.TaskID, ToPeer: "solar-1", FromUser: "ops"}
	w := env.do(t, http.MethodPost, "/api/delegations", offer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	del := decode[models.Delegation](t, w)
	assert.Equal(t, models.DelegationPending, del.Status)
	assert.Equal(t, "local", del.FromPeer)

	w = env.do(t, http.MethodPost, "/api/delegations", offer)
	assert.Equal(t, http.StatusConflict, w.Code)

	base := "/api/delegations/" + del.ID
	w = env.do(t, http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.DelegationAccepted, decode[models.Delegation](t, w).Status)

	ok, err := env.queue.Contains(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.False(t, ok, "accepted task leaves the local queue")

	w = env.do(t, http.MethodPost, base+"/retract", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, base+"/complete", CompleteRequest{Elapsed: "later"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, base+"/complete", CompleteRequest{Elapsed: "30m"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[models.Delegation](t, w)
	assert.Equal(t, models.DelegationCompleted, done.Status)
	assert.GreaterOrEqual(t, done.CarbonSavedKg, 0.0)

	w = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, base+"/explode", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/delegations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelegationFail(t *testing.T) {
	env := setupTestAPI(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/peers", solarPeer()).Code)
	sub := env.submit(t, "energy-report", "normal")

	w := env.do(t, http.MethodPost, "/api/delegations", mesh.Offer{TaskID: sub.TaskID, ToPeer: "solar-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	del := decode[models.Delegation](t, w)

	base := "/api/delegations/" + del.ID
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/accept", nil).Code)

	w = env.do(t, http.MethodPost, base+"/fail", FailRequest{Reason: "disk full"})
	assert.Equal(t, http.StatusConflict, w.Code, "accepted delegations must start first")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/start", nil).Code)
	w = env.do(t, http.MethodPost, base+"/fail", FailRequest{Reason: "disk full"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DelegationFailed, decode[models.Delegation](t, w).Status)

	got := decode[task.Task](t, env.do(t, http.MethodGet, "/api/tasks/"+sub.TaskID, nil))
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "disk full")
}

func TestVotes(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/votes", VoteRequest{TaskRef: "nightly-backup", Voters: []string{"a", "b", "c"}, TTL: "5m"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vote := decode[models.Vote](t, w)
	assert.Equal(t, models.VoteVoting, vote.Status)

	ballots := "/api/votes/" + vote.ID + "/ballots"
	for voter, imp := range map[string]models.Importance{"a": models.ImportanceCritical, "b": models.ImportanceCritical, "c": models.ImportanceNormal} {
		w = env.do(t, http.MethodPost, ballots, BallotRequest{VoterID: voter, Importance: imp})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/votes/"+vote.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Vote](t, w)
	assert.Equal(t, models.VoteConsensus, got.Status)
	assert.Equal(t, models.ImportanceCritical, got.FinalConsensus)
	assert.InDelta(t, 2.0/3.0, got.Confidence, 1e-9)

	w = env.do(t, http.MethodPost, ballots, BallotRequest{VoterID: "a", Importance: models.ImportanceLow})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/votes", VoteRequest{TTL: "5m"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/votes/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardAndMetrics(t *testing.T) {
	env := setupTestAPI(t)
	env.submit(t, "energy-report", "normal")

	w := env.do(t, http.MethodGet, "/api/dashboard/energy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[dashboard.EnergyStats](t, w)
	assert.Equal(t, 1, stats.QueueCounts.Pending)

	w = env.do(t, http.MethodGet, "/api/dashboard/history", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deferd_")

	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMeshRoutesOptional(t *testing.T) {
	env := setupTestAPI(t)
	a := NewAPI(env.api.service, Mesh{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/peers", nil)
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
