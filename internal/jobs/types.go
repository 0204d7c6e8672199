package jobs

import (
	"context"
	"fmt"
	"time"
)

// Runnable is a unit of work. ctx is cancelled when the scheduler is stopped;
// s may be used to register further jobs, for example children of the
// running job.
type Runnable interface {
	Run(ctx context.Context, s *Scheduler) error
}

// Func adapts a plain function to Runnable.
type Func func(ctx context.Context, s *Scheduler) error

func (f Func) Run(ctx context.Context, s *Scheduler) error { return f(ctx, s) }

// JobRef is an opaque handle to a registered job. The zero value refers to
// no job.
type JobRef uint64

func (r JobRef) String() string { return fmt.Sprintf("job#%d", uint64(r)) }

// JobOption configures a job at registration time.
type JobOption func(*jobOptions)

type jobOptions struct {
	heavy bool
	name  string
}

// CPUHeavy marks a job as computationally expensive. At most
// Config.MaxCPUJobs heavy jobs run at the same time.
func CPUHeavy() JobOption { return func(o *jobOptions) { o.heavy = true } }

// WithName sets a human readable job name used in logs, events and status.
func WithName(name string) JobOption { return func(o *jobOptions) { o.name = name } }

type Config struct {
	// MaxCPUJobs caps concurrently running CPU-heavy jobs.
	// <=0 uses runtime.NumCPU().
	MaxCPUJobs int
	// PollInterval is the fallback wake-up period of the dispatch loop.
	PollInterval time.Duration
	// FailureLogRate is the number of job failures per second logged at warn
	// level; further failures are logged at debug.
	FailureLogRate float64
}

const (
	DefaultPollInterval   = 300 * time.Millisecond
	DefaultFailureLogRate = 2.0
)

// State is the lifecycle state of the scheduler loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	// StateDraining: nothing left to dispatch, waiting for running jobs.
	StateDraining
	StateCancelled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCancelled:
		return "cancelled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", b)
}

// Mode tells how a cycle executed its jobs.
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// JobInfo is a point-in-time copy of a job record.
type JobInfo struct {
	Ref       JobRef        `json:"ref"`
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Heavy     bool          `json:"cpu_heavy"`
	Running   bool          `json:"running"`
	Completed bool          `json:"completed"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Started   time.Time     `json:"started,omitzero"`
	Finished  time.Time     `json:"finished,omitzero"`
	Parent    JobRef        `json:"parent,omitempty"`
	Children  []JobRef      `json:"children,omitempty"`
}

// Snapshot is a consistent view of the whole registry.
type Snapshot struct {
	State        State     `json:"state"`
	CycleID      string    `json:"cycle_id,omitempty"`
	MaxCPUJobs   int       `json:"max_cpu_jobs"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	Running      int       `json:"running"`
	RunningHeavy int       `json:"running_heavy"`
	Failed       int       `json:"failed"`
	Percent      float64   `json:"percent_complete"`
	Jobs         []JobInfo `json:"jobs"`
}

// Summary describes a finished cycle. It is passed to OnAllJobsCompleted
// handlers and published with the jobs.completed event.
type Summary struct {
	CycleID  string    `json:"cycle_id"`
	Mode     Mode      `json:"mode"`
	Stopped  bool      `json:"stopped"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Total    int       `json:"total"`
	Failed   int       `json:"failed"`
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	CycleID string        `json:"cycle_id,omitempty"`
	Ref     JobRef        `json:"ref"`
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Heavy   bool          `json:"cpu_heavy"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Error   string        `json:"error,omitempty"`
}
