package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrClosed         = errors.New("scheduler closed")
	ErrAlreadyRunning = errors.New("scheduler already running")
)

func notFound(ref JobRef) error { return fmt.Errorf("%w: %s", ErrJobNotFound, ref) }

// PanicError is recorded on a job whose Run panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
