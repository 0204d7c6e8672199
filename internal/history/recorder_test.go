package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

func TestBuildRecord(t *testing.T) {
	t.Parallel()
	start := time.Now()
	snap := jobs.Snapshot{Jobs: []jobs.JobInfo{
		{ID: "1", Name: "build", Heavy: true, Elapsed: time.Second},
		{ID: "2", Name: "test", Elapsed: time.Millisecond, Error: "boom"},
	}}
	sum := jobs.Summary{CycleID: "c1", Mode: jobs.ModeSync, Started: start, Finished: start.Add(2 * time.Second), Total: 2, Failed: 1}

	rec := BuildRecord(snap, sum)
	require.Equal(t, "c1", rec.CycleID)
	require.Equal(t, "sync", rec.Mode)
	require.Equal(t, 2*time.Second, rec.Duration())
	require.Equal(t, []storage.JobResult{
		{ID: "1", Name: "build", Heavy: true, Elapsed: time.Second},
		{ID: "2", Name: "test", Elapsed: time.Millisecond, Error: "boom"},
	}, rec.Jobs)
}

func TestRecordCycle(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	r := NewRecorder(st, logx.Nop(), 0)
	s := jobs.New(jobs.Config{MaxCPUJobs: 2, PollInterval: 20 * time.Millisecond}, logx.Nop(), nil)
	defer s.Close(context.Background())

	recorded := make(chan error, 1)
	s.OnAllJobsCompleted(func(sum jobs.Summary) {
		_, err := r.Record(context.Background(), s.Snapshot(), sum)
		recorded <- err
	})
	s.AddJob(jobs.Func(func(context.Context, *jobs.Scheduler) error { return nil }), jobs.WithName("ok"))
	s.AddJob(jobs.Func(func(context.Context, *jobs.Scheduler) error { return errors.New("boom") }), jobs.WithName("bad"), jobs.CPUHeavy())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx, true))
	require.NoError(t, <-recorded)

	last, ok := r.Last()
	require.True(t, ok)
	require.Equal(t, 2, last.Total)
	require.Equal(t, 1, last.Failed)

	runs, err := r.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, last.CycleID, runs[0].CycleID)
	require.Equal(t, "bad", runs[0].Jobs[1].Name)
	require.Equal(t, "boom", runs[0].Jobs[1].Error)
	require.True(t, runs[0].Jobs[1].Heavy)
}

func TestRecorderWithoutStore(t *testing.T) {
	t.Parallel()
	r := NewRecorder(nil, logx.Nop(), 4)
	_, ok := r.Last()
	require.False(t, ok)

	_, err := r.Record(context.Background(), jobs.Snapshot{}, jobs.Summary{CycleID: "x"})
	require.NoError(t, err)
	_, err = r.Recent(context.Background(), 1)
	require.ErrorIs(t, err, storage.ErrDisabled)
}

func TestEventsTrailIsBounded(t *testing.T) {
	t.Parallel()
	r := NewRecorder(nil, logx.Nop(), 3)
	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		r.Observe(eventbus.Event{Type: typ})
	}
	types := func(ev []eventbus.Event) []string {
		out := make([]string, len(ev))
		for i, e := range ev {
			out[i] = e.Type
		}
		return out
	}
	require.Equal(t, []string{"c", "d", "e"}, types(r.Events(0)))
	require.Equal(t, []string{"d", "e"}, types(r.Events(2)))
}

func TestFollowBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := NewRecorder(nil, logx.Nop(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Follow(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted})
		return len(r.Events(0)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	bus.Publish(eventbus.Event{Type: "other.thing"})

	cancel()
	<-done
	for _, e := range r.Events(0) {
		require.Equal(t, eventbus.TypeJobStarted, e.Type)
	}
}
