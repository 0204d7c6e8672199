package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

// ErrJobsFailed is returned by run when at least one job failed.
var ErrJobsFailed = errors.New("jobs failed")

// ErrCycleStopped is returned by run when the cycle was stopped early.
var ErrCycleStopped = errors.New("cycle stopped")

func newRunCmd(o *options) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured job once",
		Long:  "Run registers the configured job tree, runs one cycle and prints a per-job summary. SIGINT/SIGTERM stop the cycle.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), o, sync, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Run jobs one at a time on the calling goroutine, in registration order")
	return cmd
}

func runOnce(ctx context.Context, o *options, sync bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, cfg, err := o.load(o.bootLogger())
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	detach := context.AfterFunc(sigCtx, func() {
		rt.log.Info("stop requested")
		rt.sched.Stop()
	})
	defer detach()

	mode := cfg.Mode()
	if sync {
		mode = jobs.ModeSync
	}
	sum, snap, err := rt.runCycle(context.WithoutCancel(ctx), cfg.Jobs, mode)
	if err != nil {
		return err
	}
	printSummary(out, sum, snap)

	switch {
	case sum.Failed > 0:
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, sum.Failed, sum.Total)
	case sum.Stopped:
		return ErrCycleStopped
	}
	return nil
}

func printSummary(w io.Writer, sum jobs.Summary, snap jobs.Snapshot) {
	took := sum.Finished.Sub(sum.Started).Round(time.Millisecond)
	fmt.Fprintf(w, "Cycle %s (%s, max %d cpu-heavy) finished in %s: %d jobs, %d failed",
		sum.CycleID, sum.Mode, snap.MaxCPUJobs, took, sum.Total, sum.Failed)
	if sum.Stopped {
		fmt.Fprint(w, ", stopped")
	}
	fmt.Fprintln(w)
	if len(snap.Jobs) == 0 {
		return
	}

	fmt.Fprintf(w, "%-24s  %-5s  %-10s  %s\n", "JOB", "HEAVY", "ELAPSED", "RESULT")
	fmt.Fprintf(w, "%-24s  %-5s  %-10s  %s\n", "---", "-----", "-------", "------")
	for _, j := range snap.Jobs {
		heavy := ""
		if j.Heavy {
			heavy = "yes"
		}
		result := "ok"
		switch {
		case j.Error != "":
			result = "FAILED: " + j.Error
		case j.Started.IsZero():
			result = "not run"
		}
		fmt.Fprintf(w, "%-24s  %-5s  %-10s  %s\n", j.Name, heavy, j.Elapsed.Round(time.Millisecond), result)
	}
}

// logCycle writes a one-line cycle summary to log.
func logCycle(log logx.Logger, sum jobs.Summary) {
	fields := []logx.Field{
		logx.String("cycle", sum.CycleID),
		logx.String("mode", string(sum.Mode)),
		logx.Int("total", sum.Total),
		logx.Int("failed", sum.Failed),
		logx.Bool("stopped", sum.Stopped),
		logx.Duration("took", sum.Finished.Sub(sum.Started)),
	}
	if sum.Failed > 0 {
		log.Warn("cycle finished with failures", fields...)
		return
	}
	log.Info("cycle finished", fields...)
}
