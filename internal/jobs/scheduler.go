package jobs

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/runtime/supervisor"
	logx "jobmgr/pkg/logx"
)

// Scheduler registers jobs and runs them. Create one with New and release it
// with Close.
type Scheduler struct {
	maxCPU int
	poll   time.Duration
	log    logx.Logger
	bus    eventbus.Bus
	sup    *supervisor.Supervisor

	reqs    chan func(*registry)
	wake    chan struct{}
	failLog *rate.Limiter

	state  atomic.Int32
	closed atomic.Bool
	stops  atomic.Uint64

	mu          sync.Mutex
	cycle       *cycle
	syncRunning bool
	lastCycleID string
	handlers    []func(Summary)
}

// cycle is one execution of the dispatch loop started by Start.
type cycle struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New creates a scheduler and starts its registry owner. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	maxCPU := cfg.MaxCPUJobs
	if maxCPU <= 0 {
		maxCPU = runtime.NumCPU()
	}
	maxCPU = max(maxCPU, 1)
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	failRate := cfg.FailureLogRate
	if failRate <= 0 {
		failRate = DefaultFailureLogRate
	}
	log = log.With(logx.String("comp", "jobs"))

	s := &Scheduler{
		maxCPU:  maxCPU,
		poll:    poll,
		log:     log,
		bus:     bus,
		sup:     supervisor.New(context.Background(), supervisor.WithLogger(log)),
		reqs:    make(chan func(*registry)),
		wake:    make(chan struct{}, 1),
		failLog: rate.NewLimiter(rate.Limit(failRate), max(1, int(failRate))),
	}
	s.sup.Go0("jobs.registry", s.own)
	return s
}

// Close stops all jobs, shuts the registry down and waits until every
// scheduler goroutine returned or ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Stop()
	return s.sup.Stop(ctx)
}

// Closed reports whether Close was called.
func (s *Scheduler) Closed() bool { return s.closed.Load() }

// MaxCPUJobs returns the effective cap on concurrently running CPU-heavy jobs.
func (s *Scheduler) MaxCPUJobs() int { return s.maxCPU }

func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Goroutines reports the scheduler's goroutines for diagnostics.
func (s *Scheduler) Goroutines() supervisor.Snapshot { return s.sup.Snapshot() }

// OnAllJobsCompleted registers fn to be called once at the end of every cycle,
// whether it drained or was stopped.
func (s *Scheduler) OnAllJobsCompleted(fn func(Summary)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// AddJob registers a top-level job. It returns the zero JobRef once the
// scheduler is closed.
func (s *Scheduler) AddJob(r Runnable, opts ...JobOption) JobRef {
	rec := newRecord(r, nil, opts)
	if err := s.do(func(reg *registry) { reg.add(rec) }); err != nil {
		return 0
	}
	s.added(rec)
	return rec.ref
}

// AddChildJob registers r as the last child of parent.
func (s *Scheduler) AddChildJob(parent JobRef, r Runnable, opts ...JobOption) (JobRef, error) {
	var (
		rec    *record
		lookup error
	)
	err := s.do(func(reg *registry) {
		p, err := reg.get(parent)
		if err != nil {
			lookup = err
			return
		}
		rec = newRecord(r, p, opts)
		reg.add(rec)
		p.children = append(p.children, rec)
	})
	if err != nil {
		return 0, err
	}
	if lookup != nil {
		return 0, lookup
	}
	s.added(rec)
	return rec.ref, nil
}

func newRecord(r Runnable, parent *record, opts []JobOption) *record {
	var o jobOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	name := o.name
	if name == "" {
		name = fmt.Sprintf("%T", r)
	}
	return &record{id: uuid.NewString(), name: name, runnable: r, heavy: o.heavy, parent: parent}
}

func (s *Scheduler) added(rec *record) {
	s.log.Debug("job.added", logx.String("job", rec.name), logx.String("ref", rec.ref.String()), logx.Bool("cpu_heavy", rec.heavy))
	s.publish(eventbus.TypeJobAdded, rec.event(""))
	s.signal()
}

// Start launches a dispatch cycle. With wait set it blocks until the cycle
// ends or ctx is done. Cancelling ctx stops the cycle like Stop.
func (s *Scheduler) Start(ctx context.Context, wait bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.cycle != nil || s.syncRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &cycle{id: uuid.NewString(), started: time.Now(), ctx: cctx, cancel: cancel, done: make(chan struct{})}
	s.cycle = c
	s.lastCycleID = c.id
	s.mu.Unlock()

	s.setState(StateRunning)
	s.log.Info("cycle.started", logx.String("cycle", c.id), logx.Int("max_cpu_jobs", s.maxCPU))
	s.publish(eventbus.TypeCycleStarted, Summary{CycleID: c.id, Mode: ModeAsync, Started: c.started})

	// Closing the scheduler ends the cycle as if stopped.
	detach := context.AfterFunc(s.sup.Context(), cancel)
	s.sup.Go0("jobs.loop", func(context.Context) {
		defer detach()
		s.loop(c)
	})

	if !wait {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the active cycle ends. It returns immediately when no
// cycle is active.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	c := s.cycle
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop completes every incomplete job, cancels the running ones and ends the
// active cycle. Running jobs are expected to honour their context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cycle
	s.mu.Unlock()
	s.stopRecords(c)
	if c != nil {
		c.cancel()
	}
}

func (s *Scheduler) stopRecords(c *cycle) {
	if c != nil && !c.stopped.CompareAndSwap(false, true) {
		return
	}
	var n int
	if err := s.do(func(reg *registry) { n = reg.stopAll() }); err != nil {
		return
	}
	s.stops.Add(1)
	cycleID := ""
	if c != nil {
		cycleID = c.id
	}
	s.log.Info("jobs.stopped", logx.String("cycle", cycleID), logx.Int("stopped", n))
	s.publish(eventbus.TypeCycleStopped, Summary{CycleID: cycleID, Stopped: true, Total: n})
	s.signal()
}

// Run executes every incomplete job in registration order on the calling
// goroutine. Jobs registered while Run is busy are executed at their own
// position. Job failures are recorded, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.cycle != nil || s.syncRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.syncRunning = true
	id := uuid.NewString()
	s.lastCycleID = id
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncRunning = false
		s.mu.Unlock()
	}()

	started := time.Now()
	stopsBefore := s.stops.Load()
	s.setState(StateRunning)
	s.log.Info("cycle.started", logx.String("cycle", id), logx.String("mode", string(ModeSync)))
	s.publish(eventbus.TypeCycleStarted, Summary{CycleID: id, Mode: ModeSync, Started: started})

	for ctx.Err() == nil {
		var (
			rec    *record
			jobCtx context.Context
			cancel context.CancelFunc
		)
		err := s.do(func(reg *registry) {
			rec = reg.firstPending()
			if rec != nil {
				jobCtx, cancel = reg.markRunning(ctx, rec)
			}
		})
		if err != nil {
			// Closed under us: the cycle still ends with a notification.
			s.finishCycle(Summary{CycleID: id, Mode: ModeSync, Stopped: true, Started: started}, nil)
			return err
		}
		if rec == nil {
			break
		}
		s.execute(jobCtx, cancel, id, rec)
	}

	if ctx.Err() != nil {
		s.stopRecords(nil)
	}
	stopped := s.stops.Load() != stopsBefore
	s.finishCycle(Summary{CycleID: id, Mode: ModeSync, Stopped: stopped, Started: started}, nil)
	return ctx.Err()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
