// Package dashboard serves the energy view of the service: what ran, what it
// cost in watt-hours and CO2, and how much work waited for off-peak windows.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/deferd/internal/httputil"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = 30 * 24 * time.Hour
	recentLimit   = 500
)

type Store interface {
	EnergySummary(ctx context.Context, since time.Time) (models.EnergySummary, error)
	GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error)
}

type Counter interface {
	Counts(ctx context.Context) (models.QueueCounts, error)
}

type Dashboard struct {
	store  Store
	counts Counter
	now    func() time.Time
}

type EnergyStats struct {
	Window            string               `json:"window"`
	Energy            models.EnergySummary `json:"energy"`
	QueueCounts       models.QueueCounts   `json:"queue_counts"`
	TasksByName       map[string]int       `json:"tasks_by_name"`
	DeferredTasks     int                  `json:"deferred_tasks"`
	AverageDeferral   string               `json:"average_deferral"`
	PendingPowerWatts int                  `json:"pending_power_watts"`
	LastUpdated       time.Time            `json:"last_updated"`
}

type TaskHistory struct {
	TaskID       string          `json:"task_id"`
	Name         string          `json:"name"`
	Status       task.TaskStatus `json:"status"`
	Urgency      task.Urgency    `json:"urgency"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Duration     string          `json:"duration"`
	PowerWatts   int             `json:"power_watts"`
	WasScheduled bool            `json:"was_scheduled"`
}

func NewDashboard(store Store, counts Counter) *Dashboard {
	return &Dashboard{store: store, counts: counts, now: time.Now}
}

// window reads ?hours=, defaulting to 24 and capped at 30 days.
func window(r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("hours")
	if v == "" {
		return defaultWindow, true
	}
	h, err := strconv.Atoi(v)
	if err != nil || h <= 0 {
		return 0, false
	}
	return min(time.Duration(h)*time.Hour, maxWindow), true
}

func (d *Dashboard) GetEnergy(w http.ResponseWriter, r *http.Request) {
	win, ok := window(r)
	if !ok {
		httputil.WriteJSONError(w, "hours must be a positive integer", http.StatusBadRequest)
		return
	}

	now := d.now()
	since := now.Add(-win)

	summary, err := d.store.EnergySummary(r.Context(), since)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := d.counts.Counts(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, err := d.store.GetRecentTasks(r.Context(), recentLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := EnergyStats{
		Window:      win.String(),
		Energy:      summary,
		QueueCounts: counts,
		TasksByName: make(map[string]int),
		LastUpdated: now,
	}

	var totalDeferral time.Duration
	for _, t := range tasks {
		if t.CreatedAt.Before(since) {
			continue
		}
		stats.TasksByName[t.Name]++
		if t.Status == task.StatusQueued || t.Status == task.StatusDeferred || t.Status == task.StatusExecuting {
			stats.PendingPowerWatts += t.EstimatedPowerWatts
		}
		if t.ScheduledFor != nil && t.ScheduledFor.After(t.CreatedAt) {
			stats.DeferredTasks++
			totalDeferral += t.ScheduledFor.Sub(t.CreatedAt)
		}
	}

	if stats.DeferredTasks > 0 {
		avg := totalDeferral / time.Duration(stats.DeferredTasks)
		stats.AverageDeferral = avg.Round(time.Second).String()
	} else {
		stats.AverageDeferral = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.store.GetRecentTasks(r.Context(), recentLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.now().Add(-defaultWindow)
	history := []TaskHistory{}

	for _, t := range tasks {
		if t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if t.ExecutedAt != nil {
			duration = t.CompletedAt.Sub(*t.ExecutedAt).Round(time.Millisecond).String()
		}
		watts := t.EstimatedPowerWatts
		if t.ActualPowerWatts != nil {
			watts = *t.ActualPowerWatts
		}

		history = append(history, TaskHistory{
			TaskID:       t.ID,
			Name:         t.Name,
			Status:       t.Status,
			Urgency:      t.Urgency,
			CreatedAt:    t.CreatedAt,
			CompletedAt:  t.CompletedAt,
			Duration:     duration,
			PowerWatts:   watts,
			WasScheduled: t.ScheduledFor != nil && t.ScheduledFor.After(t.CreatedAt),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}
