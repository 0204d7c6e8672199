package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		kind    Kind
		every   time.Duration
		source  string
		wantErr string
	}{
		{raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{raw: "0 */10 * * * *", kind: KindCron, source: "cron"},
		{raw: "@hourly", kind: KindCron, source: "cron"},
		{raw: "@every 55m", kind: KindCron, source: "cron"},
		{raw: "cron:@daily", kind: KindCron, source: "cron"},
		{raw: "55m", kind: KindInterval, every: 55 * time.Minute, source: "duration"},
		{raw: "01:30", kind: KindInterval, every: 90 * time.Minute, source: "hhmm"},
		{raw: "every:2h", kind: KindInterval, every: 2 * time.Hour, source: "duration"},
		{raw: "interval:00:05", kind: KindInterval, every: 5 * time.Minute, source: "hhmm"},
		{raw: "", wantErr: "schedule required"},
		{raw: "cron:", wantErr: "required after"},
		{raw: "* * *", wantErr: "invalid cron"},
		{raw: "00:00", wantErr: "> 0"},
		{raw: "01:75", wantErr: "invalid minutes"},
		{raw: "-5m", wantErr: "> 0"},
		{raw: "soon", wantErr: "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.every, got.Every)
			require.Equal(t, tt.source, got.Source)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(Config{}))
	require.NoError(t, Validate(Config{Schedule: "5m", Timezone: "UTC"}))
	require.Error(t, Validate(Config{Schedule: "5m", Timezone: "Nowhere/Land"}))
	require.Error(t, Validate(Config{Schedule: "bogus"}))
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var skips atomic.Int32
	s := New(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, logx.Nop(), WithSkipHook(func() { skips.Add(1) }))

	ctx := context.Background()
	ran := make(chan bool, 1)
	go func() { ran <- s.Trigger(ctx, "test") }()
	<-started

	require.False(t, s.Trigger(ctx, "test"))
	require.Equal(t, int32(1), skips.Load())

	close(release)
	require.True(t, <-ran)
	st := s.Stats()
	require.Equal(t, uint64(1), st.Fired)
	require.Equal(t, uint64(1), st.Skipped)
}

func TestTriggerCountsOutcomes(t *testing.T) {
	t.Parallel()
	var next error
	s := New(func(context.Context) error { return next }, logx.Nop())
	ctx := context.Background()

	next = jobs.ErrAlreadyRunning
	require.False(t, s.Trigger(ctx, "test"))
	next = errors.New("boom")
	require.True(t, s.Trigger(ctx, "test"))
	next = context.Canceled
	require.True(t, s.Trigger(ctx, "test"))

	st := s.Stats()
	require.Equal(t, uint64(1), st.Skipped)
	require.Equal(t, uint64(1), st.Failed)
	require.Equal(t, uint64(2), st.Fired)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.False(t, s.Trigger(cancelled, "test"))
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(func(context.Context) error {
		fired.Add(1)
		return nil
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, s.Apply(Config{Schedule: "1s"}))
	require.NoError(t, s.Start(ctx, Config{Schedule: "1s"}))
	defer s.Stop()
	require.Error(t, s.Start(ctx, Config{Schedule: "1s"}))

	st := s.Stats()
	require.Equal(t, "every 1s", st.Schedule)
	require.False(t, st.Next.IsZero())

	require.Eventually(t, func() bool { return fired.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	require.Error(t, s.Apply(Config{Schedule: "nope"}))
	require.NoError(t, s.Apply(Config{}))
	require.Empty(t, s.Stats().Schedule)
}

func TestStatsDuringStop(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := New(func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, logx.Nop())

	require.NoError(t, s.Start(context.Background(), Config{Schedule: "1s"}))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never fired")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Stop()
	}()

	// Stop waits on the fire, but Stats must not.
	stats := make(chan Stats, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		stats <- s.Stats()
	}()
	select {
	case st := <-stats:
		require.Zero(t, st.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("Stats blocked behind Stop")
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned before the fire finished")
	default:
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
