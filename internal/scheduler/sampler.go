package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Sample is one host utilization reading. Percentages are in [0, 100].
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProcSampler reads Linux host utilization from procfs. CPU is the one-minute
// load average normalized by the number of CPUs.
type ProcSampler struct {
	Root string
	CPUs int
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{Root: "/proc", CPUs: runtime.NumCPU()}
}

func (p *ProcSampler) Sample(_ context.Context) (Sample, error) {
	cpu, err := p.cpuPercent()
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.memoryPercent()
	if err != nil {
		return Sample{}, err
	}
	return Sample{CPUPercent: cpu, MemoryPercent: mem, SampledAt: time.Now().UTC()}, nil
}

func (p *ProcSampler) cpuPercent() (float64, error) {
	b, err := os.ReadFile(filepath.Join(p.Root, "loadavg"))
	if err != nil {
		return 0, fmt.Errorf("failed to read loadavg: %w", err)
	}

	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	load, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse loadavg: %w", err)
	}

	cpus := float64(p.CPUs)
	if cpus <= 0 {
		cpus = 1
	}
	return clampPercent(load / cpus * 100), nil
}

func (p *ProcSampler) memoryPercent() (float64, error) {
	b, err := os.ReadFile(filepath.Join(p.Root, "meminfo"))
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}

	var totalKB, availKB float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB <= 0 {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	return clampPercent((totalKB - availKB) / totalKB * 100), nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// StaticSampler always reports the same utilization.
type StaticSampler struct {
	CPUPercent    float64
	MemoryPercent float64
}

func (s StaticSampler) Sample(_ context.Context) (Sample, error) {
	return Sample{CPUPercent: s.CPUPercent, MemoryPercent: s.MemoryPercent, SampledAt: time.Now().UTC()}, nil
}
