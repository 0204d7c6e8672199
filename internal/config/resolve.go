package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"jobmgr/internal/jobs"
	"jobmgr/internal/jobspec"
	"jobmgr/internal/statusapi"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
	logx "jobmgr/pkg/logx"
)

// EnvMaxCPUJobs overrides scheduler.max_cpu_jobs when set to an integer.
const EnvMaxCPUJobs = "JOBMGR_MAX_CPU_JOBS"

const (
	DefaultStatusAddr  = "127.0.0.1:8089"
	DefaultHistoryPath = "./jobmgr_history"
)

// parseDuration parses a Go duration string. Empty or zero yields def.
func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config) error {
	raw, ok := os.LookupEnv(EnvMaxCPUJobs)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", EnvMaxCPUJobs, raw)
	}
	cfg.Scheduler.MaxCPUJobs = n
	return nil
}

// Validate checks cross-field constraints the decoder cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.SchedulerSettings(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (use none|file|sqlite)", cfg.Storage.Driver))
		}
		if _, err := parseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := parseDuration("status.read_timeout", cfg.Status.ReadTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("status.idle_timeout", cfg.Status.IdleTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	switch jobs.Mode(strings.ToLower(strings.TrimSpace(cfg.Trigger.Mode))) {
	case "", jobs.ModeAsync, jobs.ModeSync:
	default:
		errs = append(errs, fmt.Errorf("trigger.mode: unsupported %q (use async|sync)", cfg.Trigger.Mode))
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("trigger.timezone: %w", err))
		}
	}
	if strings.TrimSpace(cfg.Trigger.Schedule) != "" {
		if _, err := trigger.ParseSchedule(cfg.Trigger.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("trigger.schedule: %w", err))
		}
	}
	if err := jobspec.Validate(cfg.Jobs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SchedulerSettings resolves the scheduler section into a jobs.Config.
func (c *Config) SchedulerSettings() (jobs.Config, error) {
	poll, err := parseDuration("scheduler.poll_interval", c.Scheduler.PollInterval, jobs.DefaultPollInterval)
	if err != nil {
		return jobs.Config{}, err
	}
	if c.Scheduler.FailureLogRate < 0 {
		return jobs.Config{}, errors.New("scheduler.failure_log_rate: must be >= 0")
	}
	return jobs.Config{
		MaxCPUJobs:     c.Scheduler.MaxCPUJobs,
		PollInterval:   poll,
		FailureLogRate: c.Scheduler.FailureLogRate,
	}, nil
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// Mode returns the trigger execution mode, async unless configured otherwise.
func (c *Config) Mode() jobs.Mode {
	if jobs.Mode(strings.ToLower(strings.TrimSpace(c.Trigger.Mode))) == jobs.ModeSync {
		return jobs.ModeSync
	}
	return jobs.ModeAsync
}

// StorageSettings maps the storage section onto storage.Config. A missing
// section records history as JSON Lines under DefaultHistoryPath.
func (c *Config) StorageSettings() storage.Config {
	if c.Storage == nil {
		return storage.Config{Driver: "file", Path: DefaultHistoryPath}
	}
	bt, _ := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	path := strings.TrimSpace(c.Storage.Path)
	if path == "" {
		path = DefaultHistoryPath
	}
	return storage.Config{Driver: c.Storage.Driver, Path: path, BusyTimeout: bt}
}

func (c *Config) TriggerSettings() trigger.Config {
	return trigger.Config{Schedule: c.Trigger.Schedule, Timezone: c.Trigger.Timezone}
}

// StatusTimeouts returns the status server read and idle timeouts.
func (c *Config) StatusTimeouts() (read, idle time.Duration) {
	read, _ = parseDuration("status.read_timeout", c.Status.ReadTimeout, 10*time.Second)
	idle, _ = parseDuration("status.idle_timeout", c.Status.IdleTimeout, 60*time.Second)
	return read, idle
}

// StatusAddr returns the status listen address with its default applied.
func (c *Config) StatusAddr() string {
	if a := strings.TrimSpace(c.Status.Addr); a != "" {
		return a
	}
	return DefaultStatusAddr
}

func (c *Config) StatusSettings() statusapi.Config {
	read, idle := c.StatusTimeouts()
	return statusapi.Config{
		Enabled:     c.Status.Enabled,
		Addr:        c.StatusAddr(),
		Pprof:       c.Status.Pprof,
		ReadTimeout: read,
		IdleTimeout: idle,
	}
}
