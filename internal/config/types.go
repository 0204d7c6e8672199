package config

import (
	"jobmgr/internal/jobspec"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	logging: { level: info, console: true }
//	scheduler: { max_cpu_jobs: 4, poll_interval: 300ms }
//	storage: { driver: sqlite, path: ./jobmgr.db }
//	status: { enabled: true, addr: "127.0.0.1:8089" }
//	trigger: { schedule: "*/15 * * * *", mode: async }
//	jobs:
//	  - { name: nightly, command: ./nightly.sh, cpu_heavy: true }
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status"`
	Trigger   TriggerConfig   `json:"trigger"`
	Jobs      []jobspec.Spec  `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_cpu_jobs: number of CPUs (env JOBMGR_MAX_CPU_JOBS overrides the file)
//   - poll_interval: "300ms"
//   - failure_log_rate: 2 (warn-level failure logs per second)
type SchedulerConfig struct {
	MaxCPUJobs     int     `json:"max_cpu_jobs,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	FailureLogRate float64 `json:"failure_log_rate,omitempty"`
}

// StorageConfig controls where finished cycles are recorded.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./jobmgr_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the optional HTTP status server.
//
// Prefer binding to localhost; the server has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`
	// Server timeouts (Go duration strings).
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// TriggerConfig controls when the daemon starts a cycle.
//
// Schedule accepts a cron expression ("*/5 * * * *", "@hourly"), a Go
// duration ("15m") or HH:MM ("01:30" = every 90 minutes). Empty runs a
// single cycle at startup only.
type TriggerConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Mode is "async" (default) or "sync".
	Mode string `json:"mode,omitempty"`
	// RunOnStart starts a cycle as soon as the daemon is up.
	RunOnStart bool `json:"run_on_start,omitempty"`
}
