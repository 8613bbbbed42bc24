// Package mocks provides an in-memory, call-recording implementation of
// repository.Repository for unit tests of the layers above the store.
package mocks

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

type TransitionCall struct {
	TaskID string
	From   []task.TaskStatus
	To     task.TaskStatus
}

type CompleteTaskCall struct {
	TaskID      string
	ActualWatts int
}

type FailTaskCall struct {
	TaskID string
	Reason string
}

type Repository struct {
	mu sync.Mutex

	Tasks       map[string]*task.Task
	Decisions   []models.DecisionRecord
	Feedback    []models.Feedback
	Patterns    map[string]models.LearnedPattern
	Metrics     []models.SystemMetric
	Overrides   []models.WhitelistOverride
	Peers       map[string]*models.Peer
	Votes       map[string]*models.Vote
	Delegations map[string]*models.Delegation
	Carbon      map[string]models.CarbonRecord

	GetTaskCalls      []string
	SaveTaskCalls     []string
	TransitionCalls   []TransitionCall
	CompleteTaskCalls []CompleteTaskCall
	FailTaskCalls     []FailTaskCall
	RecomputeCalls    int
	SaveDecisionCalls int
	SaveMetricCalls   int

	GetTaskError       error
	SaveTaskError      error
	CreateTaskError    error
	TransitionError    error
	CompleteTaskError  error
	FailTaskError      error
	SaveDecisionError  error
	SaveFeedbackError  error
	SaveMetricError    error
	SaveOverrideError  error
	ListOverridesError error
	UpsertPeerError    error
	CreateVoteError    error
	DelegationError    error
}

var _ repository.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		Tasks:       make(map[string]*task.Task),
		Patterns:    make(map[string]models.LearnedPattern),
		Peers:       make(map[string]*models.Peer),
		Votes:       make(map[string]*models.Vote),
		Delegations: make(map[string]*models.Delegation),
		Carbon:      make(map[string]models.CarbonRecord),
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	return &c
}

func (m *Repository) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = append(m.GetTaskCalls, taskID)
	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Repository) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, t.ID)
	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}
	m.Tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Repository) CreateTaskWithDecision(_ context.Context, t *task.Task, rec *models.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}
	m.Tasks[t.ID] = cloneTask(t)
	if rec != nil {
		m.Decisions = append(m.Decisions, *rec)
	}
	return nil
}

func (m *Repository) TransitionTask(_ context.Context, taskID string, allowedFrom []task.TaskStatus, to task.TaskStatus, scheduledFor *time.Time, rec *models.DecisionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TransitionCalls = append(m.TransitionCalls, TransitionCall{TaskID: taskID, From: allowedFrom, To: to})
	if m.TransitionError != nil {
		return false, m.TransitionError
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !slices.Contains(allowedFrom, t.Status) {
		return false, nil
	}

	t.Status = to
	if scheduledFor != nil {
		at := *scheduledFor
		t.ScheduledFor = &at
	}
	if to == task.StatusExecuting {
		now := time.Now().UTC()
		t.ExecutedAt = &now
	}
	if rec != nil {
		t.LastDecisionID = rec.ID
		m.Decisions = append(m.Decisions, *rec)
	}
	return true, nil
}

func (m *Repository) CompleteTask(_ context.Context, taskID string, result map[string]any, actualWatts int, carbon *models.CarbonRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{TaskID: taskID, ActualWatts: actualWatts})
	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}
	return m.completeLocked(taskID, result, actualWatts, carbon)
}

func (m *Repository) completeLocked(taskID string, result map[string]any, actualWatts int, carbon *models.CarbonRecord) error {
	t, ok := m.Tasks[taskID]
	if !ok || t.Status != task.StatusExecuting {
		return repository.ErrStaleTransition
	}

	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.Result = result
	w := actualWatts
	t.ActualPowerWatts = &w

	if carbon != nil {
		if _, exists := m.Carbon[taskID]; !exists {
			m.Carbon[taskID] = *carbon
		}
	}
	return nil
}

func (m *Repository) FailTask(_ context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{TaskID: taskID, Reason: reason})
	if m.FailTaskError != nil {
		return m.FailTaskError
	}
	return m.failLocked(taskID, reason)
}

func (m *Repository) failLocked(taskID, reason string) error {
	t, ok := m.Tasks[taskID]
	if !ok || t.Status != task.StatusExecuting {
		return repository.ErrStaleTransition
	}

	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.Error = reason
	return nil
}

func (m *Repository) ListTasksByStatus(_ context.Context, status task.TaskStatus) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.Tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Repository) GetRecentTasks(_ context.Context, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Repository) CountTasksByStatus(_ context.Context) (map[task.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[task.TaskStatus]int)
	for _, t := range m.Tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Repository) SaveDecision(_ context.Context, rec *models.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveDecisionCalls++
	if m.SaveDecisionError != nil {
		return m.SaveDecisionError
	}
	m.Decisions = append(m.Decisions, *rec)
	return nil
}

func (m *Repository) ListDecisions(_ context.Context, taskID string) ([]models.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DecisionRecord
	for _, rec := range m.Decisions {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Repository) SaveFeedback(_ context.Context, f *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveFeedbackError != nil {
		return m.SaveFeedbackError
	}
	m.Feedback = append(m.Feedback, *f)
	return nil
}

func (m *Repository) ListFeedback(_ context.Context, taskID string) ([]models.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Feedback
	for _, f := range m.Feedback {
		if f.TaskID == taskID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Repository) countLocked(taskName string) models.LearnedPattern {
	p := models.LearnedPattern{TaskName: taskName, UpdatedAt: time.Now().UTC()}
	for _, f := range m.Feedback {
		t, ok := m.Tasks[f.TaskID]
		if !ok || t.Name != taskName {
			continue
		}
		switch f.Kind {
		case models.FeedbackNecessary:
			p.Necessary++
		case models.FeedbackAvoidable:
			p.Avoidable++
		case models.FeedbackOptimizable:
			p.Optimizable++
		}
	}
	return p
}

func (m *Repository) CountFeedback(_ context.Context, taskName string) (models.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.countLocked(taskName), nil
}

func (m *Repository) RecomputePatterns(_ context.Context) ([]models.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecomputeCalls++
	names := make(map[string]struct{})
	for _, f := range m.Feedback {
		if t, ok := m.Tasks[f.TaskID]; ok {
			names[t.Name] = struct{}{}
		}
	}

	m.Patterns = make(map[string]models.LearnedPattern, len(names))
	out := make([]models.LearnedPattern, 0, len(names))
	for name := range names {
		p := m.countLocked(name)
		m.Patterns[name] = p
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out, nil
}

func (m *Repository) UpsertPattern(_ context.Context, p models.LearnedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Patterns[p.TaskName] = p
	return nil
}

func (m *Repository) GetPattern(_ context.Context, taskName string) (*models.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.Patterns[taskName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *Repository) SaveSystemMetric(_ context.Context, metric *models.SystemMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveMetricCalls++
	if m.SaveMetricError != nil {
		return m.SaveMetricError
	}
	m.Metrics = append(m.Metrics, *metric)
	return nil
}

func (m *Repository) PruneSystemMetrics(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.Metrics[:0]
	var pruned int64
	for _, s := range m.Metrics {
		if s.SampledAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.Metrics = kept
	return pruned, nil
}

func (m *Repository) SaveWhitelistOverride(_ context.Context, o models.WhitelistOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveOverrideError != nil {
		return m.SaveOverrideError
	}
	m.Overrides = append(m.Overrides, o)
	return nil
}

func (m *Repository) ListWhitelistOverrides(_ context.Context) ([]models.WhitelistOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListOverridesError != nil {
		return nil, m.ListOverridesError
	}
	return slices.Clone(m.Overrides), nil
}

func (m *Repository) UpsertPeer(_ context.Context, p *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpsertPeerError != nil {
		return m.UpsertPeerError
	}
	c := *p
	c.AllowedTasks = slices.Clone(p.AllowedTasks)
	m.Peers[p.ID] = &c
	return nil
}

func (m *Repository) GetPeer(_ context.Context, peerID string) (*models.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.Peers[peerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *Repository) ListPeers(_ context.Context) ([]models.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Peer, 0, len(m.Peers))
	for _, p := range m.Peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Repository) TouchPeer(_ context.Context, peerID string, available models.Resources, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.Peers[peerID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Available = available
	p.LastSeen = seenAt
	if p.Status != models.PeerMaintenance {
		p.Status = models.PeerOnline
	}
	return nil
}

func (m *Repository) SetPeerStatus(_ context.Context, peerID string, status models.PeerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.Peers[peerID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *Repository) MarkStalePeersOffline(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, p := range m.Peers {
		if p.Status == models.PeerOnline && p.LastSeen.Before(cutoff) {
			p.Status = models.PeerOffline
			n++
		}
	}
	return n, nil
}

func (m *Repository) CreateVote(_ context.Context, v *models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateVoteError != nil {
		return m.CreateVoteError
	}
	c := *v
	c.ExpectedVoters = slices.Clone(v.ExpectedVoters)
	c.Ballots = nil
	m.Votes[v.ID] = &c
	return nil
}

func (m *Repository) GetVote(_ context.Context, voteID string) (*models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.Votes[voteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *v
	c.Ballots = slices.Clone(v.Ballots)
	return &c, nil
}

func (m *Repository) InsertBallot(_ context.Context, b models.Ballot) (models.Ballot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.Votes[b.VoteID]
	if !ok {
		return models.Ballot{}, false, repository.ErrNotFound
	}
	for _, existing := range v.Ballots {
		if existing.VoterID == b.VoterID {
			return existing, false, nil
		}
	}
	v.Ballots = append(v.Ballots, b)
	return b, true, nil
}

func (m *Repository) ResolveVote(_ context.Context, voteID string, status models.VoteStatus, consensus models.Importance, confidence float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.Votes[voteID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if v.Status != models.VoteVoting {
		return false, nil
	}
	v.Status = status
	v.FinalConsensus = consensus
	v.Confidence = confidence
	return true, nil
}

func (m *Repository) ListExpiredVotes(_ context.Context, now time.Time) ([]models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Vote
	for _, v := range m.Votes {
		if v.Status == models.VoteVoting && !v.ExpiresAt.After(now) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Repository) CreateDelegation(_ context.Context, d *models.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DelegationError != nil {
		return m.DelegationError
	}
	for _, existing := range m.Delegations {
		if existing.TaskID == d.TaskID && existing.Status.Active() {
			return repository.ErrActiveDelegation
		}
	}
	c := *d
	m.Delegations[d.ID] = &c
	return nil
}

func (m *Repository) GetDelegation(_ context.Context, delegationID string) (*models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.Delegations[delegationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *Repository) GetActiveDelegation(_ context.Context, taskID string) (*models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.Delegations {
		if d.TaskID == taskID && d.Status.Active() {
			c := *d
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *Repository) TransitionDelegation(_ context.Context, delegationID string, allowedFrom []models.DelegationStatus, to models.DelegationStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DelegationError != nil {
		return false, m.DelegationError
	}
	d, ok := m.Delegations[delegationID]
	if !ok || !slices.Contains(allowedFrom, d.Status) {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Repository) AcceptDelegation(_ context.Context, delegationID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DelegationError != nil {
		return false, m.DelegationError
	}
	d, ok := m.Delegations[delegationID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if d.Status != models.DelegationPending {
		return false, nil
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if t.Status != task.StatusQueued && t.Status != task.StatusDeferred {
		return false, repository.ErrStaleTransition
	}

	now := time.Now().UTC()
	d.Status = models.DelegationAccepted
	d.AcceptedAt = &now
	d.UpdatedAt = now
	t.Status = task.StatusExecuting
	t.ExecutedAt = &now
	return true, nil
}

func (m *Repository) CompleteDelegation(_ context.Context, delegationID string, carbon *models.CarbonRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DelegationError != nil {
		return m.DelegationError
	}
	d, ok := m.Delegations[delegationID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status != models.DelegationExecuting {
		return repository.ErrStaleTransition
	}

	t, ok := m.Tasks[d.TaskID]
	if !ok {
		return repository.ErrNotFound
	}
	result := map[string]any{"delegated_to": d.ToPeer, "delegation_id": d.ID}
	if err := m.completeLocked(d.TaskID, result, t.EstimatedPowerWatts, carbon); err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Status = models.DelegationCompleted
	d.CompletedAt = &now
	d.UpdatedAt = now
	if carbon != nil {
		d.EnergyUsedWh = carbon.EnergyUsedWh
		d.CarbonSavedKg = carbon.CarbonAvoidedKg
	}
	return nil
}

func (m *Repository) FailDelegation(_ context.Context, delegationID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DelegationError != nil {
		return m.DelegationError
	}
	d, ok := m.Delegations[delegationID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status != models.DelegationExecuting {
		return repository.ErrStaleTransition
	}

	d.Status = models.DelegationFailed
	d.UpdatedAt = time.Now().UTC()
	return m.failLocked(d.TaskID, reason)
}

func (m *Repository) GetCarbonRecord(_ context.Context, taskID string) (*models.CarbonRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.Carbon[taskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (m *Repository) EnergySummary(_ context.Context, since time.Time) (models.EnergySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum models.EnergySummary
	var renewable float64
	for _, c := range m.Carbon {
		if c.ExecutedAt.Before(since) {
			continue
		}
		sum.TasksExecuted++
		sum.TotalEnergyWh += c.EnergyUsedWh
		sum.TotalEmittedKg += c.CarbonEmittedKg
		sum.TotalAvoidedKg += c.CarbonAvoidedKg
		renewable += c.RenewablePercent
	}
	if sum.TasksExecuted > 0 {
		sum.AvgRenewablePercent = renewable / float64(sum.TasksExecuted)
	}
	return sum, nil
}

// DecisionsFor returns the recorded decisions of one task in insertion order.
func (m *Repository) DecisionsFor(taskID string) []models.DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DecisionRecord
	for _, rec := range m.Decisions {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Repository) Close() error { return nil }
