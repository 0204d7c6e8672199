package jobs

import (
	"context"
	"runtime/debug"
	"slices"
	"time"

	"jobmgr/internal/eventbus"
	logx "jobmgr/pkg/logx"
)

// loop dispatches jobs for one cycle. It dispatches back to back while the
// selector finds work, then sleeps until a job finishes, a job is added, the
// cycle is stopped or the poll interval elapses.
func (s *Scheduler) loop(c *cycle) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for c.ctx.Err() == nil {
		var (
			rec                 *record
			jobCtx              context.Context
			cancel              context.CancelFunc
			incomplete, pending int
		)
		err := s.do(func(reg *registry) {
			if next := selectNext(reg.order, reg.heavyBusy, s.maxCPU); next != nil {
				rec = next
				jobCtx, cancel = reg.markRunning(c.ctx, next)
			}
			incomplete, pending = reg.progress()
		})
		if err != nil {
			break
		}
		if rec != nil {
			s.sup.Go0("jobs.worker", func(context.Context) {
				s.execute(jobCtx, cancel, c.id, rec)
				s.signal()
			})
			continue
		}
		if incomplete == 0 {
			break
		}
		if pending == 0 {
			s.setState(StateDraining)
		} else {
			s.setState(StateRunning)
		}

		select {
		case <-c.ctx.Done():
		case <-s.wake:
		case <-ticker.C:
		}
	}

	if c.ctx.Err() != nil {
		s.setState(StateCancelled)
		s.stopRecords(c)
	}
	c.cancel()
	s.finishCycle(Summary{CycleID: c.id, Mode: ModeAsync, Stopped: c.stopped.Load(), Started: c.started}, c)
}

// execute runs one dispatched record and stores its outcome. It never
// returns the job's error; failures live on the record.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, cycleID string, rec *record) {
	defer cancel()

	start := time.Now()
	s.log.Debug("job.started", logx.String("job", rec.name), logx.String("cycle", cycleID), logx.Bool("cpu_heavy", rec.heavy))
	s.publish(eventbus.TypeJobStarted, rec.event(cycleID))

	var err error
	if ctx.Err() == nil {
		err = s.invoke(ctx, rec)
	}
	now := time.Now()
	elapsed := now.Sub(start)

	stopped := false
	if derr := s.do(func(reg *registry) { stopped = reg.finish(rec, elapsed, err, now) }); derr != nil {
		return
	}

	ev := rec.event(cycleID)
	ev.Elapsed = elapsed
	if err == nil || stopped {
		s.log.Debug("job.finished", logx.String("job", rec.name), logx.Duration("elapsed", elapsed), logx.Bool("stopped", stopped))
		s.publish(eventbus.TypeJobFinished, ev)
		return
	}

	ev.Error = err.Error()
	fields := []logx.Field{logx.String("job", rec.name), logx.String("id", rec.id), logx.Duration("elapsed", elapsed), logx.Err(err)}
	if s.failLog.Allow() {
		s.log.Warn("job.failed", fields...)
	} else {
		s.log.Debug("job.failed", fields...)
	}
	s.publish(eventbus.TypeJobFailed, ev)
}

// invoke calls the job body, converting a panic into a *PanicError.
func (s *Scheduler) invoke(ctx context.Context, rec *record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Value: r, Stack: stack}
			s.log.Error("job.panic", logx.String("job", rec.name), logx.Any("panic", r), logx.Stack(stack))
		}
	}()
	return rec.runnable.Run(ctx, s)
}

// finishCycle fires the completion notification for a cycle. c is nil for
// synchronous runs.
func (s *Scheduler) finishCycle(sum Summary, c *cycle) {
	sum.Finished = time.Now()
	_ = s.do(func(reg *registry) {
		sum.Total = len(reg.order)
		sum.Failed = reg.failed()
	})

	s.mu.Lock()
	if c != nil && s.cycle == c {
		s.cycle = nil
	}
	if c == nil {
		s.syncRunning = false
	}
	handlers := slices.Clone(s.handlers)
	s.setState(StateStopped)
	s.mu.Unlock()

	s.log.Info("cycle.finished",
		logx.String("cycle", sum.CycleID),
		logx.String("mode", string(sum.Mode)),
		logx.Bool("stopped", sum.Stopped),
		logx.Int("total", sum.Total),
		logx.Int("failed", sum.Failed),
		logx.Duration("elapsed", sum.Finished.Sub(sum.Started)),
	)
	for _, h := range handlers {
		s.notify(h, sum)
	}
	s.publish(eventbus.TypeCycleDone, sum)
	if c != nil {
		close(c.done)
	}
}

func (s *Scheduler) notify(h func(Summary), sum Summary) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("jobs.completed handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	h(sum)
}
