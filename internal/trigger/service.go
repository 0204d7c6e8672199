// Package trigger starts scheduler cycles on a cron or interval schedule.
package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

// Config selects the schedule. An empty Schedule disables timed triggers.
type Config struct {
	Schedule string
	Timezone string
}

// FireFunc runs one cycle and returns when it is over.
type FireFunc func(ctx context.Context) error

// Stats reports trigger activity.
type Stats struct {
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitzero"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
	Failed   uint64    `json:"failed"`
}

type Option func(*Service)

// WithSkipHook calls fn every time a trigger is skipped because a cycle is
// still running.
func WithSkipHook(fn func()) Option { return func(s *Service) { s.onSkip = fn } }

// Service fires cycles from a cron scheduler. At most one fired cycle runs
// at a time; triggers that arrive while one is running are skipped.
type Service struct {
	log    logx.Logger
	fire   FireFunc
	onSkip func()

	mu    sync.Mutex
	cfg   Config
	spec  Spec
	c     *cron.Cron
	ctx   context.Context
	entry cron.EntryID

	busy    atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(fire FireFunc, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{fire: fire, log: log.With(logx.String("comp", "trigger"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks a trigger config without applying it.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Schedule) != "" {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	_, err := loadLocation(cfg.Timezone)
	return err
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start begins timed triggering with cfg. Fired cycles inherit ctx.
func (s *Service) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("trigger already started")
	}
	s.ctx = ctx
	return s.applyLocked(cfg)
}

// Apply replaces the schedule. The cron runner is rebuilt only when the
// schedule or timezone changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return errors.New("trigger not started")
	}
	if s.c != nil && cfg == s.cfg {
		return nil
	}
	return s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	// A fire in progress keeps running; busy still guards overlap with
	// the new runner.
	_ = s.detachLocked()
	s.cfg = cfg
	s.spec = Spec{}
	if strings.TrimSpace(cfg.Schedule) == "" {
		s.log.Info("timed triggers disabled")
		return nil
	}

	spec, _ := ParseSchedule(cfg.Schedule)
	sched, err := spec.schedule()
	if err != nil {
		return err
	}
	loc, _ := loadLocation(cfg.Timezone)
	s.spec = spec
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	ctx := s.ctx
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.Trigger(ctx, "schedule") }))
	s.c.Start()
	s.log.Info("trigger scheduled",
		logx.String("schedule", spec.String()),
		logx.String("source", spec.Source),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop halts timed triggering and waits for a running fire to return. The
// lock is released before waiting so Stats and Apply stay responsive.
func (s *Service) Stop() {
	s.mu.Lock()
	done := s.detachLocked()
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// detachLocked stops the cron runner and returns a channel closed once its
// running jobs returned, or nil when no runner is active.
func (s *Service) detachLocked() <-chan struct{} {
	if s.c == nil {
		return nil
	}
	done := s.c.Stop().Done()
	s.c = nil
	s.entry = 0
	return done
}

// Trigger fires a cycle now unless one fired by this service is still
// running. It reports whether the cycle ran.
func (s *Service) Trigger(ctx context.Context, reason string) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skip(reason, "previous cycle still running")
		return false
	}
	defer s.busy.Store(false)

	start := time.Now()
	s.log.Debug("trigger fired", logx.String("reason", reason))
	err := s.fire(ctx)
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		s.skip(reason, "scheduler busy")
		return false
	case err != nil && !errors.Is(err, context.Canceled):
		s.failed.Add(1)
		s.log.Warn("triggered cycle failed", logx.String("reason", reason), logx.Err(err))
	default:
		s.log.Debug("triggered cycle done", logx.String("reason", reason), logx.Duration("took", time.Since(start)))
	}
	s.fired.Add(1)
	return true
}

func (s *Service) skip(reason, why string) {
	s.skipped.Add(1)
	s.log.Info("trigger skipped", logx.String("reason", reason), logx.String("why", why))
	if s.onSkip != nil {
		s.onSkip()
	}
}

func (s *Service) Stats() Stats {
	st := Stats{
		Fired:   s.fired.Load(),
		Skipped: s.skipped.Load(),
		Failed:  s.failed.Load(),
	}
	s.mu.Lock()
	if s.c != nil {
		st.Schedule = s.spec.String()
		st.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()
	return st
}
