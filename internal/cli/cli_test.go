package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmgr/internal/config"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeConfig writes a JSON config whose history lives next to it and
// returns the config path and the history path.
func writeConfig(t *testing.T, cfg map[string]any) (string, string) {
	t.Helper()
	t.Setenv(config.EnvMaxCPUJobs, "")
	dir := t.TempDir()
	hist := filepath.Join(dir, "history")
	if _, ok := cfg["storage"]; !ok {
		cfg["storage"] = map[string]any{"driver": "file", "path": hist}
	}
	cfg["logging"] = map[string]any{"level": "error"}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(dir, "jobmgr.json")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p, hist
}

func sh(name, script string, extra map[string]any) map[string]any {
	m := map[string]any{"name": name, "command": "sh", "args": []string{"-c", script}}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func testJobs() map[string]any {
	return map[string]any{
		"scheduler": map[string]any{"max_cpu_jobs": 1, "poll_interval": "20ms"},
		"jobs": []any{
			sh("parent", "exit 0", map[string]any{
				"cpu_heavy": true,
				"children":  []any{sh("child", "echo hi", nil)},
			}),
			sh("broken", "echo oops >&2; exit 3", nil),
		},
	}
}

func TestValidateCommand(t *testing.T) {
	p, _ := writeConfig(t, testJobs())
	out, err := execute(t, context.Background(), "validate", "--config", p, "--max-cpu-jobs", "3")
	require.NoError(t, err)
	require.Contains(t, out, "max_cpu_jobs: 3")
	require.Contains(t, out, "jobs (3):")
	require.Contains(t, out, "  parent  sh -c exit 0  [cpu-heavy]")
	require.Contains(t, out, "    child  sh -c echo hi")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"jobs":[{"name":"x"}]}`), 0o644))
	_, err = execute(t, context.Background(), "validate", "--config", bad)
	require.Error(t, err)
}

func TestRunRecordsHistory(t *testing.T) {
	requireShell(t)
	for _, sync := range []bool{false, true} {
		p, hist := writeConfig(t, testJobs())
		args := []string{"run", "--config", p}
		if sync {
			args = append(args, "--sync")
		}

		out, err := execute(t, context.Background(), args...)
		require.ErrorIs(t, err, ErrJobsFailed)
		require.Contains(t, out, "3 jobs, 1 failed")
		require.Contains(t, out, "parent")
		require.Contains(t, out, "FAILED: broken")
		require.Contains(t, out, "oops")

		st, err := storage.Open(storage.Config{Driver: "file", Path: hist}, logx.Nop())
		require.NoError(t, err)
		runs, err := st.RecentRuns(context.Background(), 5)
		require.NoError(t, err)
		require.NoError(t, st.Close())
		require.Len(t, runs, 1)
		require.Equal(t, 3, runs[0].Total)
		require.Equal(t, 1, runs[0].Failed)
		if sync {
			require.Equal(t, "sync", runs[0].Mode)
		}

		out, err = execute(t, context.Background(), "history", "--config", p, "-n", "5", "-v")
		require.NoError(t, err)
		require.Contains(t, out, runs[0].CycleID)
		require.Contains(t, out, "FAILED: broken")
	}
}

func TestRunSucceeds(t *testing.T) {
	requireShell(t)
	cfg := testJobs()
	cfg["jobs"] = []any{sh("only", "exit 0", nil)}
	cfg["storage"] = map[string]any{"driver": "none"}
	p, _ := writeConfig(t, cfg)

	out, err := execute(t, context.Background(), "run", "--config", p)
	require.NoError(t, err)
	require.Contains(t, out, "1 jobs, 0 failed")

	out, err = execute(t, context.Background(), "history", "--config", p)
	require.NoError(t, err)
	require.Contains(t, out, "History is disabled")
}

func TestRunStoppedByContext(t *testing.T) {
	requireShell(t)
	cfg := testJobs()
	cfg["jobs"] = []any{sh("slow", "sleep 30", nil), sh("later", "exit 0", nil)}
	p, _ := writeConfig(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	out, err := execute(t, ctx, "run", "--config", p, "--sync")
	require.ErrorIs(t, err, ErrCycleStopped)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Contains(t, out, "stopped")
	require.Contains(t, out, "not run")
}

func TestDaemonRunsStartupCycle(t *testing.T) {
	requireShell(t)
	cfg := testJobs()
	cfg["jobs"] = []any{sh("one", "exit 0", nil), sh("two", "exit 0", map[string]any{"cpu_heavy": true})}
	p, hist := writeConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "daemon", "--config", p)
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, err := storage.Open(storage.Config{Driver: "file", Path: hist}, logx.Nop())
		if err != nil {
			return false
		}
		defer st.Close()
		runs, err := st.RecentRuns(context.Background(), 1)
		return err == nil && len(runs) == 1 && runs[0].Total == 2
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestValidateReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require.NoError(t, validateReload(ctx, &config.Config{}))
	require.Error(t, validateReload(ctx, &config.Config{Trigger: config.TriggerConfig{Schedule: "never"}}))
	require.Error(t, validateReload(ctx, &config.Config{Scheduler: config.SchedulerConfig{PollInterval: "x"}}))
}

func TestOverride(t *testing.T) {
	t.Parallel()
	o := &options{logLevel: "debug", maxCPUJobs: 5}
	var cfg config.Config
	o.override(&cfg)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5, cfg.Scheduler.MaxCPUJobs)
}
