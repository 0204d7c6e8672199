package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/eventbus"
	"jobmgr/internal/history"
	"jobmgr/internal/jobs"
	"jobmgr/internal/jobspec"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

const (
	closeTimeout = 10 * time.Second
	drainTimeout = 30 * time.Second
)

// runtime is the set of components shared by run and daemon.
type runtime struct {
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *history.Recorder
	sched *jobs.Scheduler

	mu       sync.Mutex
	last     jobs.Summary
	lastSnap jobs.Snapshot
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	sc, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(cfg.LogConfig())

	store, err := storage.Open(cfg.StorageSettings(), log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	if store != nil {
		log.Debug("history enabled", logx.String("driver", cfg.StorageSettings().Driver))
	}

	bus := eventbus.New()
	rt := &runtime{
		log:   log.With(logx.String("comp", "app")),
		logs:  logs,
		bus:   bus,
		store: store,
		rec:   history.NewRecorder(store, log, 0),
		sched: jobs.New(sc, log, bus),
	}
	rt.sched.OnAllJobsCompleted(rt.cycleDone)
	return rt, nil
}

func (rt *runtime) cycleDone(sum jobs.Summary) {
	snap := rt.sched.Snapshot()
	_, _ = rt.rec.Record(context.Background(), snap, sum)
	rt.mu.Lock()
	rt.last, rt.lastSnap = sum, snap
	rt.mu.Unlock()
}

func (rt *runtime) lastCycle() (jobs.Summary, jobs.Snapshot) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.last, rt.lastSnap
}

// runCycle replaces the finished jobs with specs and runs one cycle in the
// given mode. It returns once the cycle has ended, even when ctx ends it.
func (rt *runtime) runCycle(ctx context.Context, specs []jobspec.Spec, mode jobs.Mode) (jobs.Summary, jobs.Snapshot, error) {
	switch rt.sched.State() {
	case jobs.StateRunning, jobs.StateDraining:
		return jobs.Summary{}, jobs.Snapshot{}, jobs.ErrAlreadyRunning
	}
	if n := rt.sched.ClearCompletedJobs(); n > 0 {
		rt.log.Debug("cleared finished jobs", logx.Int("count", n))
	}
	if _, err := jobspec.Register(rt.sched, specs, rt.log); err != nil {
		return jobs.Summary{}, jobs.Snapshot{}, err
	}

	var err error
	if mode == jobs.ModeSync {
		err = rt.sched.Run(ctx)
	} else if err = rt.sched.Start(ctx, true); err != nil && ctx.Err() != nil {
		wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		werr := rt.sched.Wait(wctx)
		cancel()
		if werr != nil {
			rt.log.Warn("cycle did not end in time", logx.Duration("timeout", drainTimeout))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return jobs.Summary{}, jobs.Snapshot{}, err
	}
	sum, snap := rt.lastCycle()
	return sum, snap, err
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := rt.sched.Close(ctx); err != nil {
		rt.log.Warn("scheduler close", logx.Err(err))
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Warn("history close", logx.Err(err))
		}
	}
	_ = rt.logs.Close()
}
