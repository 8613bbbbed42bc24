package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/repository/mocks"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func peer(id, energy string, clean float64) models.Peer {
	return models.Peer{
		ID:                   id,
		Energy:               models.EnergyProfile{Type: energy, PercentClean: clean},
		Capacity:             models.Resources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000},
		AllowedTasks:         []string{"energy-report", "database-cleanup"},
		MaxTaskDuration:      10 * time.Minute,
		GridIntensityGPerKWh: 100,
		RenewablePercent:     clean,
	}
}

func newRegistry(t *testing.T, repo *mocks.Repository, c *clock) *Registry {
	t.Helper()
	return NewRegistry(repo, 90*time.Second, 50, nil, WithRegistryClock(c.Now))
}

func TestAnnounce(t *testing.T) {
	repo := mocks.NewRepository()
	r := newRegistry(t, repo, &clock{now: t0})

	p, err := r.Announce(context.Background(), peer("pi-garage", "solar", 90))
	require.NoError(t, err)
	assert.Equal(t, models.PeerOnline, p.Status)
	assert.Equal(t, t0, p.LastSeen)
	assert.Equal(t, "pi-garage", p.Name)
	assert.Equal(t, p.Capacity, p.Available)

	stored, err := repo.GetPeer(context.Background(), "pi-garage")
	require.NoError(t, err)
	assert.Equal(t, models.PeerOnline, stored.Status)

	_, err = r.Announce(context.Background(), models.Peer{ID: " "})
	assert.True(t, apperrors.IsValidation(err))

	_, err = r.Announce(context.Background(), peer("bad", "solar", 120))
	assert.True(t, apperrors.IsValidation(err))
}

func TestHeartbeatAndSweep(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository()
	c := &clock{now: t0}
	r := newRegistry(t, repo, c)

	_, err := r.Announce(ctx, peer("a", "solar", 90))
	require.NoError(t, err)
	_, err = r.Announce(ctx, peer("b", "grid", 20))
	require.NoError(t, err)

	c.Advance(60 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "a", models.Resources{CPUCores: 2, MemoryMB: 1024, DiskMB: 100}))

	c.Advance(60 * time.Second)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, _ := repo.GetPeer(ctx, "a")
	b, _ := repo.GetPeer(ctx, "b")
	assert.Equal(t, models.PeerOnline, a.Status)
	assert.Equal(t, 2.0, a.Available.CPUCores)
	assert.Equal(t, models.PeerOffline, b.Status)

	require.NoError(t, r.Heartbeat(ctx, "b", b.Capacity))
	b, _ = repo.GetPeer(ctx, "b")
	assert.Equal(t, models.PeerOnline, b.Status)

	err = r.Heartbeat(ctx, "ghost", models.Resources{})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMaintenanceSurvivesHeartbeat(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository()
	r := newRegistry(t, repo, &clock{now: t0})

	_, err := r.Announce(ctx, peer("a", "solar", 90))
	require.NoError(t, err)
	require.NoError(t, r.SetMaintenance(ctx, "a", true))
	require.NoError(t, r.Heartbeat(ctx, "a", models.Resources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000}))

	a, _ := repo.GetPeer(ctx, "a")
	assert.Equal(t, models.PeerMaintenance, a.Status)

	cands, err := r.Candidates(ctx, Requirement{TaskName: "energy-report", Urgency: task.UrgencyNormal})
	require.NoError(t, err)
	assert.Empty(t, cands)

	require.NoError(t, r.SetMaintenance(ctx, "a", false))
	cands, err = r.Candidates(ctx, Requirement{TaskName: "energy-report", Urgency: task.UrgencyNormal})
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	assert.True(t, apperrors.IsNotFound(r.SetMaintenance(ctx, "ghost", true)))
}

func TestCandidates(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository()
	c := &clock{now: t0}
	r := newRegistry(t, repo, c)

	small := peer("small", "solar", 95)
	small.Capacity = models.Resources{CPUCores: 1, MemoryMB: 256, DiskMB: 100}
	restricted := peer("restricted", "solar", 99)
	restricted.AllowedTasks = []string{"send-notification"}
	short := peer("short", "wind", 80)
	short.MaxTaskDuration = time.Minute

	for _, p := range []models.Peer{
		peer("solar-b", "solar", 70),
		peer("solar-a", "solar", 70),
		peer("wind", "wind", 60),
		peer("grid", "grid", 20),
		small, restricted, short,
	} {
		_, err := r.Announce(ctx, p)
		require.NoError(t, err)
	}

	need := models.Resources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500}
	ids := func(peers []models.Peer) []string {
		out := make([]string, len(peers))
		for i, p := range peers {
			out[i] = p.ID
		}
		return out
	}

	tests := []struct {
		urgency task.Urgency
		expect  []string
	}{
		{task.UrgencySolarOnly, []string{"solar-a", "solar-b"}},
		{task.UrgencyEco, []string{"solar-a", "solar-b", "wind"}},
		{task.UrgencyNormal, []string{"solar-a", "solar-b", "wind", "grid"}},
		{task.UrgencyCritical, []string{"solar-a", "solar-b", "wind", "grid"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.urgency), func(t *testing.T) {
			cands, err := r.Candidates(ctx, Requirement{
				TaskName:  "energy-report",
				Urgency:   tt.urgency,
				Resources: need,
				Duration:  5 * time.Minute,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expect, ids(cands))
		})
	}

	t.Run("stale peers are skipped before the sweep", func(t *testing.T) {
		c.Advance(2 * time.Minute)
		cands, err := r.Candidates(ctx, Requirement{TaskName: "energy-report", Urgency: task.UrgencyNormal})
		require.NoError(t, err)
		assert.Empty(t, cands)
	})
}
