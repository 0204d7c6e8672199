package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"jobmgr/internal/storage"
)

func newHistoryCmd(o *options) *cobra.Command {
	var (
		limit   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return showHistory(ctx, o, limit, verbose, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of cycles to show")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show per-job results")
	return cmd
}

func showHistory(ctx context.Context, o *options, limit int, verbose bool, out io.Writer) error {
	_, cfg, err := o.load(o.bootLogger())
	if err != nil {
		return err
	}
	st, err := storage.Open(cfg.StorageSettings(), o.bootLogger())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if st == nil {
		fmt.Fprintln(out, "History is disabled (storage.driver: none).")
		return nil
	}
	defer st.Close()

	runs, err := st.RecentRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No cycles recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-5s  %-20s  %-10s  %5s  %6s  %s\n", "CYCLE", "MODE", "STARTED", "DURATION", "JOBS", "FAILED", "STOPPED")
	for _, r := range runs {
		stopped := ""
		if r.Stopped {
			stopped = "yes"
		}
		fmt.Fprintf(out, "%-36s  %-5s  %-20s  %-10s  %5d  %6d  %s\n",
			r.CycleID, r.Mode, r.Started.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond),
			r.Total, r.Failed, stopped)
		if !verbose {
			continue
		}
		for _, j := range r.Jobs {
			result := "ok"
			if j.Error != "" {
				result = "FAILED: " + j.Error
			}
			fmt.Fprintf(out, "    %-24s  %-10s  %s\n", j.Name, j.Elapsed.Round(time.Millisecond), result)
		}
	}
	return nil
}
