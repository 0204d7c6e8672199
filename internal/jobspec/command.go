package jobspec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

const (
	outputTailBytes = 2048
	killWaitDelay   = 2 * time.Second
)

// Command runs an external process. Cancelling the job context kills it.
type Command struct {
	Name    string
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Log     logx.Logger
}

func (c *Command) Run(ctx context.Context, _ *jobs.Scheduler) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	out := &tailBuffer{max: outputTailBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = killWaitDelay

	start := time.Now()
	c.Log.Debug("command.start", logx.String("job", c.Name), logx.String("path", c.Path), logx.Any("args", c.Args))
	err := cmd.Run()
	c.Log.Debug("command.exit", logx.String("job", c.Name), logx.Duration("elapsed", time.Since(start)), logx.Err(err))
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out after %s", c.Name, c.Timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if tail := strings.TrimSpace(out.String()); tail != "" {
		return fmt.Errorf("%s: %w: %s", c.Name, err, tail)
	}
	return fmt.Errorf("%s: %w", c.Name, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
