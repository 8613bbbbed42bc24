// Package scheduler classifies time against the configured off-peak hours,
// tracks host capacity and computes execution windows for deferred tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

type Config struct {
	OffPeakHours        []int
	Location            *time.Location
	CPUThresholdPercent float64
	MemThresholdPercent float64
	SampleInterval      time.Duration
	RetryInterval       time.Duration
	BatchGranularity    time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		OffPeakHours:        cfg.Scheduling.OffPeakHours,
		Location:            cfg.Location(),
		CPUThresholdPercent: cfg.Policy.CPUThresholdPercent,
		MemThresholdPercent: cfg.Policy.MemThresholdPercent,
		SampleInterval:      cfg.Scheduling.SampleInterval,
		RetryInterval:       cfg.Scheduling.RetryInterval,
		BatchGranularity:    cfg.Scheduling.BatchGranularity,
	}
}

type Scheduler struct {
	cfg     Config
	offPeak [24]bool
	sampler Sampler
	store   repository.MetricsRepository
	logger  *zap.Logger
	now     func() time.Time
	latest  atomic.Pointer[Sample]
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. store may be nil, in which case samples are not persisted.
func New(cfg Config, sampler Sampler, store repository.MetricsRepository, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:     cfg,
		sampler: sampler,
		store:   store,
		logger:  logger.Named("scheduler"),
		now:     time.Now,
	}
	for _, h := range cfg.OffPeakHours {
		if h >= 0 && h < 24 {
			s.offPeak[h] = true
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Now() time.Time {
	return s.now()
}

func (s *Scheduler) IsOffPeak(t time.Time) bool {
	return s.offPeak[t.In(s.cfg.Location).Hour()]
}

// Latest returns the most recent sample, if any.
func (s *Scheduler) Latest() (Sample, bool) {
	p := s.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

// CanExecuteTask reports whether the latest sample is under both thresholds.
// Without a sample the host is treated as busy.
func (s *Scheduler) CanExecuteTask() bool {
	sample, ok := s.Latest()
	if !ok {
		return false
	}
	return sample.CPUPercent < s.cfg.CPUThresholdPercent && sample.MemoryPercent < s.cfg.MemThresholdPercent
}

func (s *Scheduler) Snapshot() models.SystemSnapshot {
	now := s.now()
	snap := models.SystemSnapshot{
		OffPeak:    s.IsOffPeak(now),
		CanExecute: s.CanExecuteTask(),
		SampledAt:  now.UTC(),
	}
	if sample, ok := s.Latest(); ok {
		snap.CPUPercent = sample.CPUPercent
		snap.MemoryPercent = sample.MemoryPercent
		snap.SampledAt = sample.SampledAt
	}
	return snap
}

// Refresh takes a sample, publishes it and persists it. A failed write is
// reported but the sample stays published.
func (s *Scheduler) Refresh(ctx context.Context) (Sample, error) {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample host: %w", err)
	}
	if sample.SampledAt.IsZero() {
		sample.SampledAt = s.now().UTC()
	}
	s.latest.Store(&sample)

	offPeak := s.IsOffPeak(sample.SampledAt)
	metrics.UpdateHostSample(sample.CPUPercent, sample.MemoryPercent, offPeak)

	if s.store == nil {
		return sample, nil
	}
	err = s.store.SaveSystemMetric(ctx, &models.SystemMetric{
		ID:            uuid.New().String(),
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		OffPeak:       offPeak,
		SampledAt:     sample.SampledAt,
	})
	if err != nil {
		metrics.RecordPersistenceError("scheduler")
		return sample, fmt.Errorf("failed to persist system metric: %w", err)
	}
	return sample, nil
}

// Run samples immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.refreshAndLog(ctx)

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshAndLog(ctx)
		}
	}
}

func (s *Scheduler) refreshAndLog(ctx context.Context) {
	sample, err := s.Refresh(ctx)
	if err != nil {
		s.logger.Warn("sample failed", zap.Error(err))
		return
	}
	s.logger.Debug("sampled host",
		zap.Float64("cpu_percent", sample.CPUPercent),
		zap.Float64("memory_percent", sample.MemoryPercent),
		zap.Bool("can_execute", s.CanExecuteTask()),
	)
}

// NextOffPeak returns t itself when it is off-peak, otherwise the start of
// the next off-peak hour.
func (s *Scheduler) NextOffPeak(t time.Time) time.Time {
	if s.IsOffPeak(t) {
		return t
	}

	local := t.In(s.cfg.Location)
	// 48 steps cover a full day even across a DST change.
	for k := 1; k <= 48; k++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+k, 0, 0, 0, s.cfg.Location)
		if candidate.After(t) && s.IsOffPeak(candidate) {
			return candidate
		}
	}
	return t
}

// FindOptimalWindow returns the earliest instant at or after now at which a
// task of the given urgency should run. Deferrable urgencies are aligned to
// the batching granularity so that deferred work starts together.
func (s *Scheduler) FindOptimalWindow(u task.Urgency, now time.Time) time.Time {
	t := s.NextOffPeak(now)
	if !u.Deferrable() {
		return t
	}

	aligned := s.alignUp(t)
	if s.IsOffPeak(aligned) {
		return aligned
	}
	return s.NextOffPeak(aligned)
}

// RetryWindow is used when the host is too busy to run anything now.
func (s *Scheduler) RetryWindow(now time.Time) time.Time {
	return s.NextOffPeak(now.Add(s.cfg.RetryInterval))
}

func (s *Scheduler) alignUp(t time.Time) time.Time {
	g := s.cfg.BatchGranularity
	if g <= 0 {
		return t
	}

	local := t.In(s.cfg.Location)
	hourStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.cfg.Location)
	offset := t.Sub(hourStart)
	steps := (offset + g - 1) / g
	return hourStart.Add(steps * g)
}
