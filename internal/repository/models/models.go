// Package models contains the records persisted by the repository layer.
// Physical quantities carry their unit in the field name: watts, watt-hours (Wh),
// grams of CO2 per kWh, kilograms of CO2 and percentages in [0, 100].
package models

import "time"

type (
	Verdict          string
	FeedbackKind     string
	PeerStatus       string
	Importance       string
	VoteStatus       string
	DelegationStatus string
	WhitelistAction  string
)

const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
	VerdictDeferred Verdict = "deferred"
)

const (
	FeedbackNecessary   FeedbackKind = "necessary"
	FeedbackAvoidable   FeedbackKind = "avoidable"
	FeedbackOptimizable FeedbackKind = "optimizable"
)

const (
	PeerOnline      PeerStatus = "online"
	PeerOffline     PeerStatus = "offline"
	PeerMaintenance PeerStatus = "maintenance"
)

const (
	ImportanceLow      Importance = "low"
	ImportanceNormal   Importance = "normal"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

const (
	VoteVoting    VoteStatus = "voting"
	VoteClosed    VoteStatus = "closed"
	VoteConsensus VoteStatus = "consensus"
)

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationAccepted  DelegationStatus = "accepted"
	DelegationExecuting DelegationStatus = "executing"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationRetracted DelegationStatus = "retracted"
)

const (
	WhitelistAdd    WhitelistAction = "add"
	WhitelistRemove WhitelistAction = "remove"
)

func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackNecessary, FeedbackAvoidable, FeedbackOptimizable:
		return true
	}
	return false
}

func (i Importance) Rank() int {
	switch i {
	case ImportanceLow:
		return 0
	case ImportanceNormal:
		return 1
	case ImportanceHigh:
		return 2
	case ImportanceCritical:
		return 3
	}
	return -1
}

func (i Importance) Valid() bool { return i.Rank() >= 0 }

// Active reports whether a delegation still holds the task.
func (s DelegationStatus) Active() bool {
	return s == DelegationPending || s == DelegationAccepted || s == DelegationExecuting
}

type Feedback struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Kind      FeedbackKind `json:"kind"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SystemSnapshot is the scheduler view captured with each decision.
type SystemSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	OffPeak       bool      `json:"off_peak"`
	CanExecute    bool      `json:"can_execute"`
	SampledAt     time.Time `json:"sampled_at"`
}

type DecisionRecord struct {
	ID                 string         `json:"id"`
	TaskID             string         `json:"task_id"`
	TaskName           string         `json:"task_name"`
	Verdict            Verdict        `json:"verdict"`
	Rule               string         `json:"rule"`
	Reasoning          []string       `json:"reasoning"`
	Snapshot           SystemSnapshot `json:"snapshot"`
	ScheduledFor       *time.Time     `json:"scheduled_for,omitempty"`
	EstimatedWatts     int            `json:"estimated_watts"`
	PreviousDecisionID string         `json:"previous_decision_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type LearnedPattern struct {
	TaskName    string    `json:"task_name"`
	Necessary   int       `json:"necessary"`
	Avoidable   int       `json:"avoidable"`
	Optimizable int       `json:"optimizable"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p LearnedPattern) Total() int {
	return p.Necessary + p.Avoidable + p.Optimizable
}

// Dominant returns the most frequent feedback kind and its share of all
// feedback. Ties resolve in the order necessary, optimizable, avoidable.
func (p LearnedPattern) Dominant() (FeedbackKind, float64) {
	total := p.Total()
	if total == 0 {
		return "", 0
	}

	kind, count := FeedbackNecessary, p.Necessary
	if p.Optimizable > count {
		kind, count = FeedbackOptimizable, p.Optimizable
	}
	if p.Avoidable > count {
		kind, count = FeedbackAvoidable, p.Avoidable
	}
	return kind, float64(count) / float64(total)
}

type SystemMetric struct {
	ID            string    `json:"id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	OffPeak       bool      `json:"off_peak"`
	SampledAt     time.Time `json:"sampled_at"`
}

type WhitelistOverride struct {
	TaskName  string          `json:"task_name"`
	Action    WhitelistAction `json:"action"`
	CreatedAt time.Time       `json:"created_at"`
}

type EnergyProfile struct {
	Type         string  `json:"type"`
	PercentClean float64 `json:"percent_clean"`
	Source       string  `json:"source"`
}

type Resources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int     `json:"memory_mb"`
	DiskMB   int     `json:"disk_mb"`
}

// Covers reports whether r has at least the resources in need.
func (r Resources) Covers(need Resources) bool {
	return r.CPUCores >= need.CPUCores && r.MemoryMB >= need.MemoryMB && r.DiskMB >= need.DiskMB
}

type Peer struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Location             string        `json:"location"`
	Energy               EnergyProfile `json:"energy"`
	Capacity             Resources     `json:"capacity"`
	Available            Resources     `json:"available"`
	AllowedTasks         []string      `json:"allowed_tasks"`
	MaxTaskDuration      time.Duration `json:"max_task_duration"`
	TimeZone             string        `json:"timezone"`
	GridIntensityGPerKWh float64       `json:"grid_intensity_g_per_kwh"`
	RenewablePercent     float64       `json:"renewable_percent"`
	LastSeen             time.Time     `json:"last_seen"`
	Status               PeerStatus    `json:"status"`
}

func (p Peer) Allows(taskName string) bool {
	for _, name := range p.AllowedTasks {
		if name == taskName {
			return true
		}
	}
	return false
}

type Vote struct {
	ID             string     `json:"id"`
	TaskRef        string     `json:"task_ref"`
	Status         VoteStatus `json:"status"`
	ExpectedVoters []string   `json:"expected_voters,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	FinalConsensus Importance `json:"final_consensus,omitempty"`
	Confidence     float64    `json:"confidence"`
	Ballots        []Ballot   `json:"ballots,omitempty"`
}

type Ballot struct {
	ID         string     `json:"id"`
	VoteID     string     `json:"vote_id"`
	VoterID    string     `json:"voter_id"`
	Importance Importance `json:"importance"`
	CastAt     time.Time  `json:"cast_at"`
}

type Delegation struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"task_id"`
	FromPeer      string           `json:"from_peer"`
	ToPeer        string           `json:"to_peer"`
	FromUser      string           `json:"from_user"`
	Status        DelegationStatus `json:"status"`
	Urgency       string           `json:"urgency"`
	EnergyUsedWh  float64          `json:"energy_used_wh"`
	CarbonSavedKg float64          `json:"carbon_saved_kg"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	AcceptedAt    *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

type CarbonRecord struct {
	ID                   string    `json:"id"`
	TaskID               string    `json:"task_id"`
	PeerID               string    `json:"peer_id"`
	GridIntensityGPerKWh float64   `json:"grid_intensity_g_per_kwh"`
	RenewablePercent     float64   `json:"renewable_percent"`
	EnergyUsedWh         float64   `json:"energy_used_wh"`
	CarbonEmittedKg      float64   `json:"carbon_emitted_kg"`
	CarbonAvoidedKg      float64   `json:"carbon_avoided_kg"`
	ExecutedAt           time.Time `json:"executed_at"`
}

type QueueCounts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Denied    int `json:"denied"`
}

type EnergySummary struct {
	TasksExecuted       int     `json:"tasks_executed"`
	TotalEnergyWh       float64 `json:"total_energy_wh"`
	TotalEmittedKg      float64 `json:"total_emitted_kg"`
	TotalAvoidedKg      float64 `json:"total_avoided_kg"`
	AvgRenewablePercent float64 `json:"avg_renewable_percent"`
}
