// Package jobs is jobmgr's in-process job scheduler.
//
// Jobs are Runnables registered with AddJob or AddChildJob and executed
// either concurrently (Start) or one after another on the calling goroutine
// (Run). Concurrent execution caps how many CPU-heavy jobs run at once;
// light jobs are not counted.
//
// All job records are owned by a single goroutine. Every read or write is a
// closure handed to that goroutine, so queries always observe a consistent
// registry and no record is ever dispatched twice.
package jobs
