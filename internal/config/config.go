// Package config loads the immutable runtime configuration from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	Port        string `yaml:"port"`
	WorkerID    string `yaml:"worker_id"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	Policy     PolicyConfig     `yaml:"policy"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Worker     WorkerConfig     `yaml:"worker"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Carbon     CarbonConfig     `yaml:"carbon"`
	Features   FeatureToggles   `yaml:"features"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type PolicyConfig struct {
	AllowedTasks        []string       `yaml:"allowed_tasks"`
	TaskBaseWatts       map[string]int `yaml:"task_base_watts"`
	DefaultBaseWatts    int            `yaml:"default_base_watts"`
	MaxTaskDuration     time.Duration  `yaml:"max_task_duration"`
	MaxMemoryPerTaskMB  int            `yaml:"max_memory_per_task_mb"`
	CPUThresholdPercent float64        `yaml:"cpu_threshold_percent"`
	MemThresholdPercent float64        `yaml:"memory_threshold_percent"`
}

type SchedulingConfig struct {
	OffPeakHours     []int         `yaml:"off_peak_hours"`
	TimeZone         string        `yaml:"timezone"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	BatchGranularity time.Duration `yaml:"batch_granularity"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	RetentionDays  int           `yaml:"retention_days"`
	ReportDir      string        `yaml:"report_dir"`
	// LeaseTTL bounds how long a dead worker's claims block recovery.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// RefreshInterval is how often shared whitelist overrides and learned
	// estimates are reloaded from the store.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type MeshConfig struct {
	LocalPeerID         string        `yaml:"local_peer_id"`
	LivenessTimeout     time.Duration `yaml:"liveness_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	EcoCleanThreshold   float64       `yaml:"eco_clean_threshold_percent"`
	DefaultVoteDuration time.Duration `yaml:"default_vote_duration"`
}

type CarbonConfig struct {
	LocalIntensityGPerKWh     float64 `yaml:"local_intensity_g_per_kwh"`
	LocalRenewablePercent     float64 `yaml:"local_renewable_percent"`
	ReferenceIntensityGPerKWh float64 `yaml:"reference_intensity_g_per_kwh"`
}

type FeatureToggles struct {
	Feedback bool `yaml:"feedback"`
	Learning bool `yaml:"learning"`
	Audit    bool `yaml:"audit"`
}

type NotifyConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromName       string `yaml:"from_name"`
	FromAddress    string `yaml:"from_address"`
}

func Default() Config {
	return Config{
		RedisAddr: "localhost:6379",
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",
		Policy: PolicyConfig{
			AllowedTasks: []string{"database-cleanup", "energy-report", "send-notification"},
			TaskBaseWatts: map[string]int{
				"database-cleanup":  15,
				"energy-report":     8,
				"send-notification": 2,
			},
			DefaultBaseWatts:    10,
			MaxTaskDuration:     5 * time.Minute,
			MaxMemoryPerTaskMB:  512,
			CPUThresholdPercent: 80,
			MemThresholdPercent: 85,
		},
		Scheduling: SchedulingConfig{
			OffPeakHours:     []int{0, 1, 2, 3, 4, 5, 22, 23},
			TimeZone:         "UTC",
			SampleInterval:   30 * time.Second,
			RetryInterval:    5 * time.Minute,
			BatchGranularity: 15 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval:    5 * time.Second,
			MaxConcurrency:  4,
			RetentionDays:   30,
			ReportDir:       "./reports",
			LeaseTTL:        30 * time.Second,
			RefreshInterval: time.Minute,
		},
		Mesh: MeshConfig{
			LocalPeerID:         "local",
			LivenessTimeout:     90 * time.Second,
			SweepInterval:       30 * time.Second,
			EcoCleanThreshold:   50,
			DefaultVoteDuration: 10 * time.Minute,
		},
		Carbon: CarbonConfig{
			LocalIntensityGPerKWh:     400,
			LocalRenewablePercent:     20,
			ReferenceIntensityGPerKWh: 700,
		},
		Features: FeatureToggles{
			Feedback: true,
			Learning: true,
			Audit:    true,
		},
	}
}

// Load reads the YAML file at path (if non-empty), layers environment overrides on
// top and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	setString("POSTGRES_DSN", &cfg.PostgresDSN)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("PORT", &cfg.Port)
	setString("WORKER_ID", &cfg.WorkerID)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FORMAT", &cfg.LogFormat)
	setString("SENDGRID_API_KEY", &cfg.Notify.SendGridAPIKey)
	setString("FROM_NAME", &cfg.Notify.FromName)
	setString("FROM_ADDRESS", &cfg.Notify.FromAddress)
	setString("DEFERD_TIMEZONE", &cfg.Scheduling.TimeZone)

	if v := os.Getenv("DEFERD_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxConcurrency = n
		}
	}
}

func (c Config) Validate() error {
	var errs []error

	if len(c.Scheduling.OffPeakHours) == 0 {
		errs = append(errs, errors.New("scheduling.off_peak_hours must not be empty"))
	}
	for _, h := range c.Scheduling.OffPeakHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("scheduling.off_peak_hours: invalid hour %d", h))
		}
	}
	if _, err := time.LoadLocation(c.Scheduling.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("scheduling.timezone: %w", err))
	}
	if c.Scheduling.SampleInterval <= 0 {
		errs = append(errs, errors.New("scheduling.sample_interval must be positive"))
	}
	if c.Scheduling.RetryInterval <= 0 {
		errs = append(errs, errors.New("scheduling.retry_interval must be positive"))
	}
	if c.Scheduling.BatchGranularity <= 0 || c.Scheduling.BatchGranularity > time.Hour {
		errs = append(errs, errors.New("scheduling.batch_granularity must be in (0, 1h]"))
	}
	if c.Policy.MaxTaskDuration <= 0 {
		errs = append(errs, errors.New("policy.max_task_duration must be positive"))
	}
	if c.Policy.MaxMemoryPerTaskMB <= 0 {
		errs = append(errs, errors.New("policy.max_memory_per_task_mb must be positive"))
	}
	if c.Policy.CPUThresholdPercent <= 0 || c.Policy.CPUThresholdPercent > 100 {
		errs = append(errs, errors.New("policy.cpu_threshold_percent must be in (0, 100]"))
	}
	if c.Policy.MemThresholdPercent <= 0 || c.Policy.MemThresholdPercent > 100 {
		errs = append(errs, errors.New("policy.memory_threshold_percent must be in (0, 100]"))
	}
	if c.Worker.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("worker.max_concurrency must be positive"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.LeaseTTL <= c.Worker.PollInterval {
		errs = append(errs, errors.New("worker.lease_ttl must exceed worker.poll_interval"))
	}
	if c.Worker.RefreshInterval <= 0 {
		errs = append(errs, errors.New("worker.refresh_interval must be positive"))
	}
	if c.Mesh.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("mesh.liveness_timeout must be positive"))
	}
	if c.Carbon.ReferenceIntensityGPerKWh < 0 || c.Carbon.LocalIntensityGPerKWh < 0 {
		errs = append(errs, errors.New("carbon intensities must not be negative"))
	}

	return errors.Join(errs...)
}

// Location returns the configured scheduling time zone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduling.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) BaseWatts(taskName string) int {
	if w, ok := c.Policy.TaskBaseWatts[taskName]; ok {
		return w
	}
	return c.Policy.DefaultBaseWatts
}
