package jobs

import "time"

// The aggregate queries below (PercentComplete, NumberOfJobsStillToComplete,
// HasErrors, Len, JobByID, ClearCompletedJobs, Snapshot and the job type
// counters) return zero values once the scheduler is closed. Use Closed to
// tell that apart from an empty registry; the by-ref queries return
// ErrClosed.

// IsJobCompleted reports whether the job and all of its descendants have
// completed.
func (s *Scheduler) IsJobCompleted(ref JobRef) (bool, error) {
	var done bool
	err := s.query(ref, func(rec *record) { done = rec.subtreeCompleted() })
	return done, err
}

// AreChildJobsComplete reports whether every direct child of the job has
// completed. The job itself is not considered.
func (s *Scheduler) AreChildJobsComplete(ref JobRef) (bool, error) {
	done := true
	err := s.query(ref, func(rec *record) {
		for _, c := range rec.children {
			if !c.completed {
				done = false
				return
			}
		}
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// PercentComplete returns completed/total*100 over the registry, 0 when
// empty.
func (s *Scheduler) PercentComplete() float64 {
	var pct float64
	_ = s.do(func(reg *registry) { pct = percent(reg) })
	return pct
}

func percent(reg *registry) float64 {
	if len(reg.order) == 0 {
		return 0
	}
	done := 0
	for _, rec := range reg.order {
		if rec.completed {
			done++
		}
	}
	return float64(done) / float64(len(reg.order)) * 100
}

// NumberOfJobsStillToComplete counts registered jobs that have not completed.
func (s *Scheduler) NumberOfJobsStillToComplete() int {
	var n int
	_ = s.do(func(reg *registry) { n, _ = reg.progress() })
	return n
}

// ElapsedTime returns the job's own run time plus that of each direct child.
func (s *Scheduler) ElapsedTime(ref JobRef) (time.Duration, error) {
	var d time.Duration
	err := s.query(ref, func(rec *record) {
		d = rec.elapsed
		for _, c := range rec.children {
			d += c.elapsed
		}
	})
	return d, err
}

// Errors returns the errors recorded in the job's subtree, depth-first with
// each job's own error before its children's.
func (s *Scheduler) Errors(ref JobRef) ([]error, error) {
	var errs []error
	err := s.query(ref, func(rec *record) { errs = rec.collectErrors(nil) })
	return errs, err
}

// HasErrors reports whether any registered job recorded an error.
func (s *Scheduler) HasErrors() bool {
	failed := 0
	_ = s.do(func(reg *registry) { failed = reg.failed() })
	return failed > 0
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	n := 0
	_ = s.do(func(reg *registry) { n = len(reg.order) })
	return n
}

// Job returns a copy of one job record.
func (s *Scheduler) Job(ref JobRef) (JobInfo, error) {
	var ji JobInfo
	err := s.query(ref, func(rec *record) { ji = rec.info() })
	return ji, err
}

// JobByID looks a job up by its string ID.
func (s *Scheduler) JobByID(id string) (JobInfo, bool) {
	var (
		ji JobInfo
		ok bool
	)
	_ = s.do(func(reg *registry) {
		for _, rec := range reg.order {
			if rec.id == id {
				ji, ok = rec.info(), true
				return
			}
		}
	})
	return ji, ok
}

// ClearCompletedJobs removes completed jobs from the registry and returns how
// many were removed. Parents still registered keep their child lists, so
// subtree queries on them continue to see removed children; a removed ref is
// no longer found.
func (s *Scheduler) ClearCompletedJobs() int {
	n := 0
	_ = s.do(func(reg *registry) { n = reg.clearCompleted() })
	return n
}

// Snapshot returns a consistent copy of the registry and its counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	cycleID := s.lastCycleID
	s.mu.Unlock()

	snap := Snapshot{State: s.State(), CycleID: cycleID, MaxCPUJobs: s.maxCPU}
	_ = s.do(func(reg *registry) {
		snap.Total = len(reg.order)
		snap.Jobs = make([]JobInfo, 0, len(reg.order))
		for _, rec := range reg.order {
			if rec.completed {
				snap.Completed++
			}
			if rec.running {
				snap.Running++
				if rec.heavy {
					snap.RunningHeavy++
				}
			}
			if rec.err != nil {
				snap.Failed++
			}
			snap.Jobs = append(snap.Jobs, rec.info())
		}
		snap.Percent = percent(reg)
	})
	return snap
}

// CountJobTypeInQueue counts registered jobs whose Runnable is a T.
// Completed jobs count until ClearCompletedJobs removes them.
func CountJobTypeInQueue[T Runnable](s *Scheduler) int {
	n := 0
	_ = s.do(func(reg *registry) {
		for _, rec := range reg.order {
			if _, ok := rec.runnable.(T); ok {
				n++
			}
		}
	})
	return n
}

// IsJobTypeInQueue reports whether any registered job's Runnable is a T.
func IsJobTypeInQueue[T Runnable](s *Scheduler) bool {
	return CountJobTypeInQueue[T](s) > 0
}

// query runs fn on the record for ref on the owner goroutine.
func (s *Scheduler) query(ref JobRef, fn func(*record)) error {
	var lookup error
	err := s.do(func(reg *registry) {
		rec, err := reg.get(ref)
		if err != nil {
			lookup = err
			return
		}
		fn(rec)
	})
	if err != nil {
		return err
	}
	return lookup
}
