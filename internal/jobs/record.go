package jobs

import (
	"context"
	"fmt"
	"time"
)

// record is the scheduler's bookkeeping for one job.
//
// ref, id, name, runnable, heavy and parent never change after registration
// and may be read from any goroutine. Everything else belongs to the registry
// owner.
type record struct {
	ref      JobRef
	id       string
	name     string
	runnable Runnable
	heavy    bool
	parent   *record

	children  []*record
	running   bool
	completed bool
	// executing stays set until the body returns, even after Stop cleared
	// running.
	executing bool
	err       error
	elapsed   time.Duration
	started   time.Time
	finished  time.Time
	cancel    context.CancelFunc
}

// subtreeCompleted reports whether r and all of its descendants completed.
func (r *record) subtreeCompleted() bool {
	if !r.completed {
		return false
	}
	for _, c := range r.children {
		if !c.subtreeCompleted() {
			return false
		}
	}
	return true
}

// collectErrors appends the errors of r's subtree, depth-first, own error first.
func (r *record) collectErrors(dst []error) []error {
	if r.err != nil {
		dst = append(dst, r.err)
	}
	for _, c := range r.children {
		dst = c.collectErrors(dst)
	}
	return dst
}

func (r *record) info() JobInfo {
	ji := JobInfo{
		Ref:       r.ref,
		ID:        r.id,
		Name:      r.name,
		Type:      fmt.Sprintf("%T", r.runnable),
		Heavy:     r.heavy,
		Running:   r.running,
		Completed: r.completed,
		Elapsed:   r.elapsed,
		Started:   r.started,
		Finished:  r.finished,
	}
	if r.err != nil {
		ji.Error = r.err.Error()
	}
	if r.parent != nil {
		ji.Parent = r.parent.ref
	}
	for _, c := range r.children {
		ji.Children = append(ji.Children, c.ref)
	}
	return ji
}

func (r *record) event(cycleID string) JobEvent {
	return JobEvent{CycleID: cycleID, Ref: r.ref, ID: r.id, Name: r.name, Heavy: r.heavy}
}

// finish records the outcome of a run. A record completed by Stop keeps its
// error and only gets its timing updated; finish then reports true.
func (r *record) finish(elapsed time.Duration, err error, at time.Time) (stopped bool) {
	r.elapsed = elapsed
	r.finished = at
	r.cancel = nil
	r.executing = false
	if r.completed {
		return true
	}
	r.running = false
	r.completed = true
	r.err = err
	return false
}
