package decision

import (
	"fmt"
	"time"

	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

const (
	RuleWhitelist = "whitelist"
	RuleLearned   = "learned_pattern"
	RuleCapacity  = "capacity"
	RulePower     = "power_estimate"
	RulePeakHours = "peak_hours"
	RuleApproved  = "approved"
)

// Input is the immutable view a rule decides on.
type Input struct {
	TaskID         string
	TaskName       string
	Payload        map[string]any
	Urgency        task.Urgency
	Now            time.Time
	Snapshot       models.SystemSnapshot
	Whitelisted    bool
	Advice         string
	EstimatedWatts int
}

// Step is the outcome of one rule. An empty Verdict means continue.
type Step struct {
	Verdict        models.Verdict
	Reason         string
	ScheduledFor   *time.Time
	EstimatedWatts int
}

func (s Step) Terminal() bool { return s.Verdict != "" }

type Rule struct {
	Name string
	Eval func(Input) Step
}

// Windows is the part of the scheduler the rules consult.
type Windows interface {
	FindOptimalWindow(u task.Urgency, now time.Time) time.Time
	RetryWindow(now time.Time) time.Time
}

// DefaultRules returns the ordered chain: whitelist, learned pattern, capacity,
// power estimate, peak-hour batching, approval.
func DefaultRules(p Policy, w Windows) []Rule {
	return []Rule{
		{Name: RuleWhitelist, Eval: whitelistRule},
		{Name: RuleLearned, Eval: learnedRule},
		{Name: RuleCapacity, Eval: capacityRule(w)},
		{Name: RulePower, Eval: powerRule(p)},
		{Name: RulePeakHours, Eval: peakRule(w)},
		{Name: RuleApproved, Eval: approveRule(p)},
	}
}

func whitelistRule(in Input) Step {
	if !in.Whitelisted {
		return Step{
			Verdict: models.VerdictDenied,
			Reason:  fmt.Sprintf("task %q is not on the whitelist", in.TaskName),
		}
	}
	return Step{Reason: fmt.Sprintf("task %q is whitelisted", in.TaskName)}
}

func learnedRule(in Input) Step {
	if in.Advice == "" {
		return Step{Reason: fmt.Sprintf("no learned pattern for %q", in.TaskName)}
	}
	return Step{Reason: in.Advice}
}

func capacityRule(w Windows) func(Input) Step {
	return func(in Input) Step {
		if in.Snapshot.CanExecute {
			return Step{Reason: fmt.Sprintf("capacity available (cpu %.1f%%, memory %.1f%%)",
				in.Snapshot.CPUPercent, in.Snapshot.MemoryPercent)}
		}

		var at time.Time
		if in.Snapshot.OffPeak {
			at = w.RetryWindow(in.Now)
		} else {
			at = w.FindOptimalWindow(task.UrgencyNormal, in.Now)
		}
		return Step{
			Verdict: models.VerdictDeferred,
			Reason: fmt.Sprintf("host over capacity (cpu %.1f%%, memory %.1f%%), deferred to %s",
				in.Snapshot.CPUPercent, in.Snapshot.MemoryPercent, at.Format(time.RFC3339)),
			ScheduledFor: &at,
		}
	}
}

func powerRule(p Policy) func(Input) Step {
	return func(in Input) Step {
		watts := p.EstimateWatts(in.TaskName, in.Payload)
		reason := fmt.Sprintf("estimated power cost %d W", watts)
		if size := task.SizeHint(in.Payload); size > 0 {
			reason = fmt.Sprintf("estimated power cost %d W for %.0f MB", watts, size)
		}
		return Step{Reason: reason, EstimatedWatts: watts}
	}
}

func peakRule(w Windows) func(Input) Step {
	return func(in Input) Step {
		if in.Snapshot.OffPeak {
			return Step{Reason: "off-peak hours"}
		}
		if !in.Urgency.Deferrable() {
			return Step{Reason: fmt.Sprintf("peak hours, urgency %s runs anyway", in.Urgency)}
		}

		at := w.FindOptimalWindow(in.Urgency, in.Now)
		return Step{
			Verdict:      models.VerdictDeferred,
			Reason:       fmt.Sprintf("peak hours and urgency %s, batched to %s", in.Urgency, at.Format(time.RFC3339)),
			ScheduledFor: &at,
		}
	}
}

func approveRule(p Policy) func(Input) Step {
	return func(in Input) Step {
		return Step{
			Verdict: models.VerdictApproved,
			Reason: fmt.Sprintf("approved at %d W with timeout %s and memory limit %d MB",
				in.EstimatedWatts, p.MaxTaskDuration, p.MaxMemoryPerTaskMB),
		}
	}
}
