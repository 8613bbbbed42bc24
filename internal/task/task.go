// Package task defines the core task domain model used by the queue, the decision engine
// and the persistence layer. It contains task metadata, status and urgency definitions,
// the status state machine, and serialization helpers.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	Urgency    string
	Task       struct {
		ID                  string         `json:"id"`
		Name                string         `json:"name"`
		Payload             map[string]any `json:"payload"`
		Urgency             Urgency        `json:"urgency"`
		Status              TaskStatus     `json:"status"`
		CreatedAt           time.Time      `json:"created_at"`
		ScheduledFor        *time.Time     `json:"scheduled_for,omitempty"`
		ExecutedAt          *time.Time     `json:"executed_at,omitempty"`
		CompletedAt         *time.Time     `json:"completed_at,omitempty"`
		EstimatedPowerWatts int            `json:"estimated_power_watts"`
		ActualPowerWatts    *int           `json:"actual_power_watts,omitempty"`
		Result              map[string]any `json:"result,omitempty"`
		Error               string         `json:"error,omitempty"`
		LastDecisionID      string         `json:"last_decision_id,omitempty"`
	}
)

const (
	StatusQueued    TaskStatus = "queued"
	StatusDeferred  TaskStatus = "deferred"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusDenied    TaskStatus = "denied"
)

const (
	UrgencyLow       Urgency = "low"
	UrgencyEco       Urgency = "eco"
	UrgencySolarOnly Urgency = "solar_only"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
)

var transitions = map[TaskStatus][]TaskStatus{
	StatusQueued:    {StatusDeferred, StatusExecuting, StatusDenied},
	StatusDeferred:  {StatusQueued, StatusExecuting, StatusDenied},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusQueued},
}

func NewTask(name string, payload map[string]any, urgency Urgency) *Task {
	if payload == nil {
		payload = map[string]any{}
	}

	return &Task{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		Urgency:   urgency,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Rank orders urgency classes. Energy-constrained classes rank with low.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyNormal:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyCritical:
		return 3
	default:
		return 0
	}
}

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyEco, UrgencySolarOnly, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Deferrable reports whether peak-hour execution may be pushed to a batching window.
func (u Urgency) Deferrable() bool {
	return u.Rank() == 0
}

func ParseUrgency(s string) (Urgency, error) {
	if s == "" {
		return UrgencyNormal, nil
	}

	u := Urgency(s)
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDenied
}

// CanTransition reports whether from -> to is an edge of the task state machine.
// executing -> queued exists only for crash recovery.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func SizeHint(payload map[string]any) float64 {
	for _, key := range []string{"size_mb", "data_size_mb"} {
		switch v := payload[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			f, err := v.Float64()
			if err == nil {
				return f
			}
		}
	}
	return 0
}
