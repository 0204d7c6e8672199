// Package cli implements the jobmgr command line.
package cli

import (
	"github.com/spf13/cobra"

	"jobmgr/internal/config"
	logx "jobmgr/pkg/logx"
)

const defaultConfigPath = "./jobmgr.yaml"

// options holds the persistent flags shared by all commands.
type options struct {
	configPath string
	logLevel   string
	maxCPUJobs int
}

// override applies flag values on top of a loaded config.
func (o *options) override(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.maxCPUJobs > 0 {
		cfg.Scheduler.MaxCPUJobs = o.maxCPUJobs
	}
}

// load reads and validates the config file. The returned config is a copy
// with flag overrides applied; the manager keeps the file's view.
func (o *options) load(log logx.Logger) (*config.Manager, *config.Config, error) {
	m := config.NewManager(o.configPath, log)
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	c := *cfg
	o.override(&c)
	return m, &c, nil
}

// bootLogger is used until the configured logging is up.
func (o *options) bootLogger() logx.Logger {
	level := o.logLevel
	if level == "" {
		level = "info"
	}
	return logx.NewConsole(level).With(logx.String("comp", "cli"))
}

// NewRootCmd creates the root cobra command for jobmgr.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "jobmgr",
		Short:         "Run dependent jobs with a cap on CPU-heavy work",
		Long:          "jobmgr runs a tree of configured jobs, at most max_cpu_jobs CPU-heavy ones at a time, once or on a schedule.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", defaultConfigPath, "Path to the config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&o.maxCPUJobs, "max-cpu-jobs", 0, "Override scheduler.max_cpu_jobs")

	root.AddCommand(
		newRunCmd(o),
		newDaemonCmd(o),
		newHistoryCmd(o),
		newValidateCmd(o),
	)
	return root
}
