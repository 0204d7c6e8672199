package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jobmgr/internal/config"
	"jobmgr/internal/jobspec"
	"jobmgr/internal/metrics"
	"jobmgr/internal/statusapi"
	"jobmgr/internal/trigger"
	logx "jobmgr/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

func newDaemonCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run cycles on the configured schedule and serve status",
		Long: "Daemon starts cycles from trigger.schedule, serves the status API when enabled and " +
			"follows config changes. It notifies systemd when running under Type=notify.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, o)
		},
	}
}

// daemonState holds what changes on config reload.
type daemonState struct {
	o      *options
	rt     *runtime
	status *statusapi.Server
	trig   *trigger.Service

	mu  sync.Mutex
	cfg *config.Config
}

func (d *daemonState) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func runDaemon(ctx context.Context, o *options) error {
	mgr, cfg, err := o.load(o.bootLogger())
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	log := rt.log.With(logx.String("comp", "daemon"))

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg, rt.sched)
	if err != nil {
		return err
	}

	d := &daemonState{o: o, rt: rt, cfg: cfg}
	d.status = statusapi.New(rt.log, rt.sched, rt.rec, reg)
	d.trig = trigger.New(d.fire, rt.log, trigger.WithSkipHook(m.TriggerSkipped))
	mgr.SetValidator(validateReload)

	g, gctx := errgroup.WithContext(ctx)
	if err := d.status.Apply(gctx, cfg.StatusSettings()); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	if err := d.trig.Start(gctx, cfg.TriggerSettings()); err != nil {
		d.status.Stop(context.Background())
		return fmt.Errorf("trigger: %w", err)
	}

	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error {
		rt.rec.Follow(gctx, rt.bus)
		return nil
	})
	g.Go(func() error {
		m.Follow(gctx, rt.bus)
		return nil
	})
	sub := mgr.Subscribe(4)
	g.Go(func() error {
		defer mgr.Unsubscribe(sub)
		d.follow(gctx, sub)
		return nil
	})
	if cfg.Trigger.RunOnStart || strings.TrimSpace(cfg.Trigger.Schedule) == "" {
		g.Go(func() error {
			d.trig.Trigger(gctx, "startup")
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sdNotify(log, daemon.SdNotifyStopping)
		rt.sched.Stop()
		d.trig.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.status.Stop(sctx)
		return nil
	})

	log.Info("daemon started",
		logx.String("config", mgr.Path()),
		logx.Int("jobs", jobspec.Count(cfg.Jobs)),
		logx.Int("max_cpu_jobs", rt.sched.MaxCPUJobs()),
		logx.String("status_addr", d.status.Addr()),
	)
	sdNotify(log, daemon.SdNotifyReady)
	sdNotify(log, "STATUS=waiting for trigger")

	err = g.Wait()
	log.Info("daemon stopped", logx.Any("trigger", d.trig.Stats()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// fire runs one cycle with the current config.
func (d *daemonState) fire(ctx context.Context) error {
	cfg := d.config()
	sdNotify(d.rt.log, "STATUS=cycle running")
	sum, _, err := d.rt.runCycle(ctx, cfg.Jobs, cfg.Mode())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logCycle(d.rt.log, sum)
	sdNotify(d.rt.log, fmt.Sprintf("STATUS=last cycle %d jobs, %d failed, stopped=%t", sum.Total, sum.Failed, sum.Stopped))
	return err
}

// follow applies reloaded configs until ctx is done.
func (d *daemonState) follow(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			d.apply(ctx, next)
		}
	}
}

func (d *daemonState) apply(ctx context.Context, next *config.Config) {
	c := *next
	d.o.override(&c)

	d.mu.Lock()
	prev := d.cfg
	d.cfg = &c
	d.mu.Unlock()

	log := d.rt.log.With(logx.String("comp", "daemon"))
	sections, attrs := config.SummarizeChange(prev, &c)
	if len(sections) == 0 {
		log.Debug("config reload received, but no effective changes detected")
		return
	}
	sdNotify(log, daemon.SdNotifyReloading)
	defer sdNotify(log, daemon.SdNotifyReady)
	log.Info("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			d.rt.logs.Apply(c.LogConfig())
		case "status":
			if err := d.status.Apply(ctx, c.StatusSettings()); err != nil {
				log.Warn("status server not applied", logx.Err(err))
			}
		case "trigger":
			if err := d.trig.Apply(c.TriggerSettings()); err != nil {
				log.Warn("trigger not applied", logx.Err(err))
			}
		case "scheduler", "storage":
			log.Warn(s + " config changed; restart required for changes to take effect")
		case "jobs":
			log.Info("job tree changed; applies from the next cycle", logx.Int("jobs", jobspec.Count(c.Jobs)))
		}
	}
}

// validateReload maps every section onto its component config so a bad
// reload is rejected before it is committed.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := cfg.SchedulerSettings(); err != nil {
		return err
	}
	if err := trigger.Validate(cfg.TriggerSettings()); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	var walk func(specs []jobspec.Spec) error
	walk = func(specs []jobspec.Spec) error {
		for _, sp := range specs {
			if _, err := jobspec.Build(sp, logx.Nop()); err != nil {
				return err
			}
			if err := walk(sp.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(cfg.Jobs)
}

// sdNotify reports state to systemd. It is a no-op outside a notify unit.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify", logx.String("state", state))
	}
}
