package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord describes one finished cycle.
// Keep it compact and schema-stable.
type RunRecord struct {
	CycleID  string      `json:"cycle_id"`
	Mode     string      `json:"mode"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Total    int         `json:"total"`
	Failed   int         `json:"failed"`
	Stopped  bool        `json:"stopped,omitempty"`
	Jobs     []JobResult `json:"jobs,omitempty"`
}

// Duration is the wall-clock length of the cycle.
func (r RunRecord) Duration() time.Duration {
	if r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// JobResult is the outcome of one job within a cycle.
type JobResult struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Heavy   bool          `json:"cpu_heavy,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}
