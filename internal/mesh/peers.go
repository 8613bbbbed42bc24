// Package mesh lets a node hand queued work to peer devices: it keeps the peer
// registry, runs the delegation handshake, resolves importance votes and
// accounts for the carbon of every executed task.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

const (
	component = "mesh"

	EnergySolar = "solar"

	DefaultLivenessTimeout   = 90 * time.Second
	DefaultEcoCleanThreshold = 50.0
)

// Requirement is what a task needs from the peer that runs it.
type Requirement struct {
	TaskName  string
	Urgency   task.Urgency
	Resources models.Resources
	Duration  time.Duration
}

type Registry struct {
	store        repository.PeerRepository
	liveness     time.Duration
	ecoThreshold float64
	now          func() time.Time
	logger       *zap.Logger
}

type RegistryOption func(*Registry)

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store repository.PeerRepository, liveness time.Duration, ecoThreshold float64, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if liveness <= 0 {
		liveness = DefaultLivenessTimeout
	}
	if ecoThreshold <= 0 {
		ecoThreshold = DefaultEcoCleanThreshold
	}

	r := &Registry{
		store:        store,
		liveness:     liveness,
		ecoThreshold: ecoThreshold,
		now:          time.Now,
		logger:       logger.Named("peers"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Announce registers or refreshes a peer and marks it online.
func (r *Registry) Announce(ctx context.Context, p models.Peer) (*models.Peer, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, apperrors.Validation(component, "", "peer id is required")
	}
	if p.Energy.PercentClean < 0 || p.Energy.PercentClean > 100 {
		return nil, apperrors.Validation(component, "", "energy percent_clean must be in [0, 100]")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Available == (models.Resources{}) {
		p.Available = p.Capacity
	}

	p.Status = models.PeerOnline
	p.LastSeen = r.now().UTC()

	if err := r.store.UpsertPeer(ctx, &p); err != nil {
		return nil, apperrors.Persistence(component, "", err)
	}

	r.logger.Info("peer announced",
		zap.String("peer_id", p.ID),
		zap.String("energy", p.Energy.Type),
		zap.Float64("percent_clean", p.Energy.PercentClean),
	)
	return &p, nil
}

func (r *Registry) Heartbeat(ctx context.Context, peerID string, available models.Resources) error {
	err := r.store.TouchPeer(ctx, peerID, available, r.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound(component, "", fmt.Sprintf("peer %s is not registered", peerID))
	}
	return err
}

// SetMaintenance takes a peer out of (or back into) the candidate pool.
func (r *Registry) SetMaintenance(ctx context.Context, peerID string, on bool) error {
	status := models.PeerOnline
	if on {
		status = models.PeerMaintenance
	}

	err := r.store.SetPeerStatus(ctx, peerID, status)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound(component, "", fmt.Sprintf("peer %s is not registered", peerID))
	}
	return err
}

func (r *Registry) Get(ctx context.Context, peerID string) (*models.Peer, error) {
	p, err := r.store.GetPeer(ctx, peerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, "", fmt.Sprintf("peer %s is not registered", peerID))
	}
	return p, err
}

func (r *Registry) List(ctx context.Context) ([]models.Peer, error) {
	return r.store.ListPeers(ctx)
}

// Sweep marks peers offline whose last heartbeat is older than the liveness timeout.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.MarkStalePeersOffline(ctx, r.now().UTC().Add(-r.liveness))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep peers: %w", err)
	}
	if n > 0 {
		r.logger.Info("peers went offline", zap.Int64("count", n))
	}

	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to list peers: %w", err)
	}
	online := 0
	for _, p := range peers {
		if p.Status == models.PeerOnline {
			online++
		}
	}
	metrics.UpdatePeersOnline(online)

	return n, nil
}

// Candidates returns the online peers able to run a task, cleanest energy first.
func (r *Registry) Candidates(ctx context.Context, req Requirement) ([]models.Peer, error) {
	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	now := r.now()
	var out []models.Peer
	for _, p := range peers {
		if r.Eligible(p, req, now) == nil {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Energy.PercentClean != out[j].Energy.PercentClean {
			return out[i].Energy.PercentClean > out[j].Energy.PercentClean
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Eligible returns nil when p can take a task with requirement req.
func (r *Registry) Eligible(p models.Peer, req Requirement, now time.Time) error {
	switch {
	case p.Status != models.PeerOnline:
		return fmt.Errorf("peer %s is %s", p.ID, p.Status)
	case now.Sub(p.LastSeen) > r.liveness:
		return fmt.Errorf("peer %s missed its heartbeat", p.ID)
	case !p.Allows(req.TaskName):
		return fmt.Errorf("peer %s does not allow task %q", p.ID, req.TaskName)
	case !p.Available.Covers(req.Resources):
		return fmt.Errorf("peer %s lacks available capacity", p.ID)
	case req.Duration > 0 && p.MaxTaskDuration < req.Duration:
		return fmt.Errorf("peer %s caps task duration at %s", p.ID, p.MaxTaskDuration)
	}
	return r.energyMatches(p, req.Urgency)
}

func (r *Registry) energyMatches(p models.Peer, u task.Urgency) error {
	switch u {
	case task.UrgencySolarOnly:
		if p.Energy.Type != EnergySolar {
			return fmt.Errorf("peer %s runs on %s, task needs solar", p.ID, p.Energy.Type)
		}
	case task.UrgencyEco:
		if p.Energy.PercentClean < r.ecoThreshold {
			return fmt.Errorf("peer %s is %.0f%% clean, task needs %.0f%%", p.ID, p.Energy.PercentClean, r.ecoThreshold)
		}
	}
	return nil
}
