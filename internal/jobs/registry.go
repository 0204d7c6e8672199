package jobs

import (
	"context"
	"runtime/debug"
	"time"

	logx "jobmgr/pkg/logx"
)

// registry holds every record in registration order. It is only touched by
// the owner goroutine (see Scheduler.own).
type registry struct {
	byRef map[JobRef]*record
	order []*record
	next  JobRef
	// heavyBusy counts heavy bodies still executing. Records stopped or
	// cleared while their body runs stay counted until it returns.
	heavyBusy int
}

func newRegistry() *registry {
	return &registry{byRef: map[JobRef]*record{}}
}

func (r *registry) add(rec *record) {
	r.next++
	rec.ref = r.next
	r.byRef[rec.ref] = rec
	r.order = append(r.order, rec)
}

func (r *registry) get(ref JobRef) (*record, error) {
	rec, ok := r.byRef[ref]
	if !ok {
		return nil, notFound(ref)
	}
	return rec, nil
}

// markRunning flags rec as dispatched and gives it a cancellable context.
func (r *registry) markRunning(parent context.Context, rec *record) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	rec.running = true
	rec.executing = true
	rec.started = time.Now()
	rec.cancel = cancel
	if rec.heavy {
		r.heavyBusy++
	}
	return ctx, cancel
}

// finish stores the outcome of rec's run and releases its heavy slot.
func (r *registry) finish(rec *record, elapsed time.Duration, err error, at time.Time) (stopped bool) {
	if rec.executing && rec.heavy {
		r.heavyBusy--
	}
	return rec.finish(elapsed, err, at)
}

// firstPending returns the first record that is neither running nor completed.
func (r *registry) firstPending() *record {
	for _, rec := range r.order {
		if !rec.running && !rec.completed {
			return rec
		}
	}
	return nil
}

// progress counts incomplete records and how many of them wait for dispatch.
func (r *registry) progress() (incomplete, pending int) {
	for _, rec := range r.order {
		if rec.completed {
			continue
		}
		incomplete++
		if !rec.running {
			pending++
		}
	}
	return incomplete, pending
}

// stopAll completes every incomplete record and cancels the running ones.
func (r *registry) stopAll() int {
	n := 0
	for _, rec := range r.order {
		if rec.completed {
			continue
		}
		rec.completed = true
		rec.running = false
		if rec.cancel != nil {
			rec.cancel()
		}
		n++
	}
	return n
}

// clearCompleted drops completed records from the registry. Parents that
// survive keep pointers to their removed children.
func (r *registry) clearCompleted() int {
	kept := r.order[:0]
	removed := 0
	for _, rec := range r.order {
		if rec.completed {
			delete(r.byRef, rec.ref)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	clear(r.order[len(kept):])
	r.order = kept
	return removed
}

func (r *registry) failed() int {
	n := 0
	for _, rec := range r.order {
		if rec.err != nil {
			n++
		}
	}
	return n
}

// own runs the registry owner loop until ctx is cancelled.
func (s *Scheduler) own(ctx context.Context) {
	reg := newRegistry()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.reqs:
			s.apply(reg, fn)
		}
	}
}

func (s *Scheduler) apply(reg *registry, fn func(*registry)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("registry.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(reg)
}

// do executes fn on the owner goroutine and waits for it to return.
// fn must not call back into the Scheduler.
func (s *Scheduler) do(fn func(*registry)) error {
	done := make(chan struct{})
	req := func(r *registry) {
		defer close(done)
		fn(r)
	}
	select {
	case s.reqs <- req:
	case <-s.sup.Context().Done():
		return ErrClosed
	}
	<-done
	return nil
}
