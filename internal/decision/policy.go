package decision

import (
	"math"
	"time"

	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/task"
)

const (
	OpRead         = "read"
	OpWrite        = "write"
	OpDelete       = "delete"
	OpConfigModify = "config_modify"
	OpNetwork      = "network"
)

// Constraints is the sandbox granted to an approved task.
type Constraints struct {
	Timeout           time.Duration `json:"timeout"`
	MemoryLimitMB     int           `json:"memory_limit_mb"`
	AllowedOperations []string      `json:"allowed_operations"`
	BlockedOperations []string      `json:"blocked_operations"`
}

func (c Constraints) Allows(op string) bool {
	for _, b := range c.BlockedOperations {
		if b == op {
			return false
		}
	}
	for _, a := range c.AllowedOperations {
		if a == op {
			return true
		}
	}
	return false
}

type Policy struct {
	TaskBaseWatts      map[string]int
	DefaultBaseWatts   int
	MaxTaskDuration    time.Duration
	MaxMemoryPerTaskMB int
	Audit              bool
}

func PolicyFrom(cfg config.Config) Policy {
	return Policy{
		TaskBaseWatts:      cfg.Policy.TaskBaseWatts,
		DefaultBaseWatts:   cfg.Policy.DefaultBaseWatts,
		MaxTaskDuration:    cfg.Policy.MaxTaskDuration,
		MaxMemoryPerTaskMB: cfg.Policy.MaxMemoryPerTaskMB,
		Audit:              cfg.Features.Audit,
	}
}

// EstimateWatts scales the base wattage of a task linearly by its declared
// data size: base * (1 + size_mb/1000), rounded to the nearest watt.
func (p Policy) EstimateWatts(taskName string, payload map[string]any) int {
	base, ok := p.TaskBaseWatts[taskName]
	if !ok {
		base = p.DefaultBaseWatts
	}
	return int(math.Round(float64(base) * (1 + task.SizeHint(payload)/1000)))
}

func (p Policy) Constraints() Constraints {
	return Constraints{
		Timeout:           p.MaxTaskDuration,
		MemoryLimitMB:     p.MaxMemoryPerTaskMB,
		AllowedOperations: []string{OpRead, OpWrite},
		BlockedOperations: []string{OpDelete, OpConfigModify, OpNetwork},
	}
}
