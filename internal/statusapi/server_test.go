package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

type fakeScheduler struct{ snap jobs.Snapshot }

func (f fakeScheduler) Snapshot() jobs.Snapshot { return f.snap }

func (f fakeScheduler) JobByID(id string) (jobs.JobInfo, bool) {
	for _, j := range f.snap.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return jobs.JobInfo{}, false
}

type fakeHistory struct {
	events []eventbus.Event
	runs   []storage.RunRecord
	err    error
}

func (f fakeHistory) Events(limit int) []eventbus.Event {
	if len(f.events) > limit {
		return f.events[len(f.events)-limit:]
	}
	return f.events
}

func (f fakeHistory) Recent(context.Context, int) ([]storage.RunRecord, error) { return f.runs, f.err }

func newTestServer(t *testing.T, hist History, pprof bool) *httptest.Server {
	t.Helper()
	sched := fakeScheduler{snap: jobs.Snapshot{
		State:      jobs.StateRunning,
		MaxCPUJobs: 2,
		Total:      1,
		Jobs:       []jobs.JobInfo{{ID: "abc", Name: "build", Heavy: true, Running: true}},
	}}
	reg := prom.NewRegistry()
	reg.MustRegister(prom.NewCounter(prom.CounterOpts{Name: "jobmgr_test_total", Help: "test"}))
	ts := httptest.NewServer(New(logx.Nop(), sched, hist, reg).Handler(pprof))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	hist := fakeHistory{
		events: []eventbus.Event{{Type: "job.started"}, {Type: "job.finished"}},
		runs:   []storage.RunRecord{{CycleID: "c1", Total: 1}},
	}
	ts := newTestServer(t, hist, false)

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{name: "health", path: "/healthz", status: 200, contains: `"state":"running"`},
		{name: "status", path: "/status", status: 200, contains: `"max_cpu_jobs":2`},
		{name: "job", path: "/jobs/abc", status: 200, contains: `"name":"build"`},
		{name: "missing job", path: "/jobs/nope", status: 404, contains: "job not found"},
		{name: "events limit", path: "/events?limit=1", status: 200, contains: "job.finished"},
		{name: "bad limit", path: "/events?limit=x", status: 400, contains: "limit"},
		{name: "runs", path: "/runs", status: 200, contains: `"cycle_id":"c1"`},
		{name: "metrics", path: "/metrics", status: 200, contains: "jobmgr_test_total"},
		{name: "pprof off", path: "/debug/pprof/", status: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, body := get(t, ts.URL+tt.path)
			require.Equal(t, tt.status, status, body)
			require.Contains(t, body, tt.contains)
		})
	}

	_, body := get(t, ts.URL+"/events?limit=1")
	var ev []eventbus.Event
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	require.Len(t, ev, 1)
}

func TestRunsWithoutHistory(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, true)

	status, _ := get(t, ts.URL+"/runs")
	require.Equal(t, http.StatusNotFound, status)
	status, body := get(t, ts.URL+"/events")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "[]", strings.TrimSpace(body))
	status, _ = get(t, ts.URL+"/debug/pprof/")
	require.Equal(t, http.StatusOK, status)
}

func TestRunsStoreError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, fakeHistory{err: errors.New("disk gone")}, false)
	status, body := get(t, ts.URL+"/runs")
	require.Equal(t, http.StatusInternalServerError, status)
	require.Contains(t, body, "disk gone")

	ts = newTestServer(t, fakeHistory{err: storage.ErrDisabled}, false)
	status, _ = get(t, ts.URL+"/runs")
	require.Equal(t, http.StatusNotFound, status)
}

func TestApplyLifecycle(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), fakeScheduler{}, nil, prom.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	status, _ := get(t, "http://"+addr+"/healthz")
	require.Equal(t, http.StatusOK, status)

	// Same config keeps the listener.
	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	require.Equal(t, addr, s.Addr())

	require.NoError(t, s.Apply(ctx, Config{Enabled: false}))
	require.Empty(t, s.Addr())
	s.Stop(ctx)
}
