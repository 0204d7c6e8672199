package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"jobmgr/internal/config"
	"jobmgr/internal/jobspec"
)

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and print the job tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := o.load(o.bootLogger())
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), o.configPath, cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, path string, cfg *config.Config) {
	sc, _ := cfg.SchedulerSettings()
	maxCPU := "auto"
	if sc.MaxCPUJobs > 0 {
		maxCPU = fmt.Sprint(sc.MaxCPUJobs)
	}
	fmt.Fprintf(w, "%s: ok\n", path)
	fmt.Fprintf(w, "max_cpu_jobs: %s, mode: %s, history: %s\n", maxCPU, cfg.Mode(), cfg.StorageSettings().Driver)
	if s := strings.TrimSpace(cfg.Trigger.Schedule); s != "" {
		fmt.Fprintf(w, "schedule: %s\n", s)
	}
	fmt.Fprintf(w, "jobs (%d):\n", jobspec.Count(cfg.Jobs))
	printSpecs(w, cfg.Jobs, 1)
}

func printSpecs(w io.Writer, specs []jobspec.Spec, depth int) {
	for _, sp := range specs {
		line := strings.Repeat("  ", depth) + sp.Name + "  " + strings.Join(append([]string{sp.Command}, sp.Args...), " ")
		if sp.CPUHeavy {
			line += "  [cpu-heavy]"
		}
		if sp.Timeout != "" {
			line += "  [timeout " + sp.Timeout + "]"
		}
		fmt.Fprintln(w, line)
		printSpecs(w, sp.Children, depth+1)
	}
}
