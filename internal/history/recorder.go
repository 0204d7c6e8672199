// Package history records finished scheduler cycles and keeps a short
// in-memory trail of recent scheduler events.
package history

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

const (
	DefaultEventsSize = 200
	appendTimeout     = 5 * time.Second
)

// Recorder persists cycle summaries to a Store and remembers recent bus
// events. A nil Store keeps only the in-memory state.
type Recorder struct {
	store storage.Store
	log   logx.Logger
	size  int
	reads singleflight.Group

	mu     sync.Mutex
	events []eventbus.Event
	last   *storage.RunRecord
}

func NewRecorder(store storage.Store, log logx.Logger, eventsSize int) *Recorder {
	if eventsSize <= 0 {
		eventsSize = DefaultEventsSize
	}
	return &Recorder{
		store: store,
		log:   log.With(logx.String("comp", "history")),
		size:  eventsSize,
	}
}

// BuildRecord converts the scheduler state at the end of a cycle into a
// RunRecord. Jobs keep registration order.
func BuildRecord(snap jobs.Snapshot, sum jobs.Summary) storage.RunRecord {
	rec := storage.RunRecord{
		CycleID:  sum.CycleID,
		Mode:     string(sum.Mode),
		Started:  sum.Started,
		Finished: sum.Finished,
		Total:    sum.Total,
		Failed:   sum.Failed,
		Stopped:  sum.Stopped,
		Jobs:     make([]storage.JobResult, 0, len(snap.Jobs)),
	}
	for _, j := range snap.Jobs {
		rec.Jobs = append(rec.Jobs, storage.JobResult{
			ID:      j.ID,
			Name:    j.Name,
			Heavy:   j.Heavy,
			Elapsed: j.Elapsed,
			Error:   j.Error,
		})
	}
	return rec
}

// Record builds and stores the record for a finished cycle. It is safe to
// call from an OnAllJobsCompleted handler.
func (r *Recorder) Record(ctx context.Context, snap jobs.Snapshot, sum jobs.Summary) (storage.RunRecord, error) {
	rec := BuildRecord(snap, sum)
	r.mu.Lock()
	r.last = &rec
	r.mu.Unlock()

	if r.store == nil {
		return rec, nil
	}
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.log.Warn("history append failed", logx.String("cycle_id", rec.CycleID), logx.Err(err))
		return rec, err
	}
	r.log.Debug("cycle recorded",
		logx.String("cycle_id", rec.CycleID),
		logx.Int("total", rec.Total),
		logx.Int("failed", rec.Failed),
		logx.Duration("took", rec.Duration()),
	)
	return rec, nil
}

// Last returns the most recent record seen by Record.
func (r *Recorder) Last() (storage.RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return storage.RunRecord{}, false
	}
	return *r.last, true
}

// Recent reads up to limit stored records, newest first. Concurrent reads
// with the same limit share one store query.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	v, err, _ := r.reads.Do(strconv.Itoa(limit), func() (any, error) {
		return r.store.RecentRuns(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]storage.RunRecord)), nil
}

// Observe appends one event to the in-memory trail.
func (r *Recorder) Observe(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > r.size {
		r.events = slices.Clone(r.events[len(r.events)-r.size:])
	}
}

// Events returns up to limit recent events, oldest first. limit <= 0
// returns all retained events.
func (r *Recorder) Events(limit int) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.events
	if limit > 0 && len(ev) > limit {
		ev = ev[len(ev)-limit:]
	}
	return slices.Clone(ev)
}

// Follow feeds bus events into the trail until ctx is done.
func (r *Recorder) Follow(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(r.size, "job.", "jobs.", "cycle.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(e)
		}
	}
}
