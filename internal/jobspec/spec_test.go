package jobspec

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		specs   []Spec
		wantErr string
	}{
		{name: "empty"},
		{
			name:  "valid tree",
			specs: []Spec{{Name: "a", Command: "true", Timeout: "5s", Children: []Spec{{Name: "b", Command: "true"}}}},
		},
		{name: "missing name", specs: []Spec{{Command: "true"}}, wantErr: "jobs[0].name: required"},
		{name: "missing command", specs: []Spec{{Name: "a"}}, wantErr: "jobs[0].command: required"},
		{name: "bad timeout", specs: []Spec{{Name: "a", Command: "true", Timeout: "soon"}}, wantErr: "invalid duration"},
		{name: "negative timeout", specs: []Spec{{Name: "a", Command: "true", Timeout: "-1s"}}, wantErr: "must be >= 0"},
		{
			name:    "duplicate across levels",
			specs:   []Spec{{Name: "a", Command: "true", Children: []Spec{{Name: "a", Command: "true"}}}},
			wantErr: `jobs[0].children[0].name: duplicate job name "a"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.specs)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRegisterDepthFirst(t *testing.T) {
	t.Parallel()
	s := jobs.New(jobs.Config{MaxCPUJobs: 1}, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	specs := []Spec{
		{Name: "a", Command: "true", CPUHeavy: true, Children: []Spec{
			{Name: "a1", Command: "true", Children: []Spec{{Name: "a1x", Command: "true"}}},
			{Name: "a2", Command: "true"},
		}},
		{Name: "b", Command: "true"},
	}
	refs, err := Register(s, specs, logx.Nop())
	require.NoError(t, err)
	require.Len(t, refs, Count(specs))

	snap := s.Snapshot()
	names := make([]string, 0, len(snap.Jobs))
	for _, j := range snap.Jobs {
		names = append(names, j.Name)
	}
	require.Equal(t, []string{"a", "a1", "a1x", "a2", "b"}, names)
	require.True(t, snap.Jobs[0].Heavy)
	require.False(t, snap.Jobs[1].Heavy)

	info, err := s.Job(refs["a"])
	require.NoError(t, err)
	require.Equal(t, []jobs.JobRef{refs["a1"], refs["a2"]}, info.Children)
	require.Equal(t, 5, jobs.CountJobTypeInQueue[*Command](s))
}

func TestRegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := jobs.New(jobs.Config{MaxCPUJobs: 1}, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, err := Register(s, []Spec{{Name: "x"}}, logx.Nop())
	require.Error(t, err)
	require.Zero(t, s.Len())
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandFailureCarriesOutputTail(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd, err := Build(Spec{Name: "fail", Command: "sh", Args: []string{"-c", "echo starting; echo broken >&2; exit 3"}}, logx.Nop())
	require.NoError(t, err)
	err = cmd.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fail: exit status 3")
	require.Contains(t, err.Error(), "broken")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
}

func TestCommandEnvAndDir(t *testing.T) {
	t.Parallel()
	requireShell(t)

	dir := t.TempDir()
	cmd, err := Build(Spec{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", `test "$GREETING" = hello && test "$(pwd -P)" = "$(cd "$EXPECT" && pwd -P)"`},
		Dir:     dir,
		Env:     map[string]string{"GREETING": "hello", "EXPECT": dir},
	}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, cmd.Run(context.Background(), nil))
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd, err := Build(Spec{Name: "slow", Command: "sh", Args: []string{"-c", "sleep 5"}, Timeout: "50ms"}, logx.Nop())
	require.NoError(t, err)
	start := time.Now()
	err = cmd.Run(context.Background(), nil)
	require.ErrorContains(t, err, "slow: timed out after 50ms")
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world!"))
	require.Equal(t, "o world!", b.String())
	require.True(t, strings.HasSuffix(b.String(), "world!"))
}
