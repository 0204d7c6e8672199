package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmgr/internal/jobs"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_cpu_jobs: 3
  poll_interval: 100ms
storage:
  driver: sqlite
  path: ./history.db
status:
  enabled: true
trigger:
  schedule: "*/5 * * * *"
  mode: sync
jobs:
  - name: build
    command: make
    cpu_heavy: true
    children:
      - name: test
        command: make
        args: [test]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "jobmgr.yaml", sampleYAML)
	t.Setenv(EnvMaxCPUJobs, "")

	cfg, err := NewManager(p, logx.Nop()).Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, jobs.ModeSync, cfg.Mode())
	require.Equal(t, DefaultStatusAddr, cfg.StatusAddr())
	require.Len(t, cfg.Jobs, 1)
	require.True(t, cfg.Jobs[0].CPUHeavy)
	require.Equal(t, []string{"test"}, cfg.Jobs[0].Children[0].Args)

	sc, err := cfg.SchedulerSettings()
	require.NoError(t, err)
	require.Equal(t, jobs.Config{MaxCPUJobs: 3, PollInterval: 100 * time.Millisecond}, sc)
}

func TestEnvOverridesMaxCPUJobs(t *testing.T) {
	p := writeFile(t, "jobmgr.yaml", sampleYAML)
	t.Setenv(EnvMaxCPUJobs, "7")

	cfg, err := NewManager(p, logx.Nop()).Load()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Scheduler.MaxCPUJobs)

	t.Setenv(EnvMaxCPUJobs, "many")
	_, err = NewManager(p, logx.Nop()).Load()
	require.ErrorContains(t, err, EnvMaxCPUJobs)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		path    string
		body    string
		wantErr string
	}{
		{name: "json ok", path: "c.json", body: `{"scheduler":{"max_cpu_jobs":2}}`},
		{name: "empty yaml", path: "c.yml", body: ""},
		{name: "unknown field", path: "c.json", body: `{"schedular":{}}`, wantErr: "unknown field"},
		{name: "trailing data", path: "c.json", body: `{} {}`, wantErr: "trailing data"},
		{name: "bad yaml", path: "c.yaml", body: "jobs: [", wantErr: "yaml unmarshal"},
		{name: "unknown nested yaml", path: "c.yaml", body: "jobs:\n  - name: a\n    cmd: x\n", wantErr: "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero config"},
		{name: "bad poll", cfg: Config{Scheduler: SchedulerConfig{PollInterval: "often"}}, wantErr: "scheduler.poll_interval"},
		{name: "bad driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, wantErr: "storage.driver"},
		{name: "bad mode", cfg: Config{Trigger: TriggerConfig{Mode: "parallel"}}, wantErr: "trigger.mode"},
		{name: "bad timezone", cfg: Config{Trigger: TriggerConfig{Timezone: "Mars/Olympus"}}, wantErr: "trigger.timezone"},
		{name: "bad schedule", cfg: Config{Trigger: TriggerConfig{Schedule: "whenever"}}, wantErr: "trigger.schedule"},
		{name: "negative rate", cfg: Config{Scheduler: SchedulerConfig{FailureLogRate: -1}}, wantErr: "failure_log_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Trigger: TriggerConfig{Schedule: "1h"}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "trigger"}, changed)
	require.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(newCfg, newCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesReload(t *testing.T) {
	t.Setenv(EnvMaxCPUJobs, "")
	p := writeFile(t, "jobmgr.json", `{"scheduler":{"max_cpu_jobs":1}}`)
	m := NewManager(p, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"scheduler":{"max_cpu_jobs":4}}`), 0o644))

	select {
	case cfg := <-ch:
		require.Equal(t, 4, cfg.Scheduler.MaxCPUJobs)
		require.Equal(t, 4, m.Get().Scheduler.MaxCPUJobs)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestStorageSettings(t *testing.T) {
	t.Parallel()
	var cfg Config
	require.Equal(t, storage.Config{Driver: "file", Path: DefaultHistoryPath}, cfg.StorageSettings())

	cfg.Storage = &StorageConfig{Driver: "sqlite", BusyTimeout: "2s"}
	require.Equal(t, storage.Config{Driver: "sqlite", Path: DefaultHistoryPath, BusyTimeout: 2 * time.Second}, cfg.StorageSettings())

	cfg.Storage = &StorageConfig{Driver: "none"}
	require.Equal(t, "none", cfg.StorageSettings().Driver)
}

func TestStatusSettings(t *testing.T) {
	t.Parallel()
	cfg := Config{Status: StatusConfig{Enabled: true, ReadTimeout: "3s"}}
	st := cfg.StatusSettings()
	require.True(t, st.Enabled)
	require.Equal(t, DefaultStatusAddr, st.Addr)
	require.Equal(t, 3*time.Second, st.ReadTimeout)
	require.Equal(t, 60*time.Second, st.IdleTimeout)
}
