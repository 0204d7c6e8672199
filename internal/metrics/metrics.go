// Package metrics exports scheduler state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
)

const namespace = "jobmgr"

// SnapshotSource is satisfied by *jobs.Scheduler.
type SnapshotSource interface {
	Snapshot() jobs.Snapshot
}

// Collector reads a scheduler snapshot at scrape time.
type Collector struct {
	src SnapshotSource

	total        *prom.Desc
	completed    *prom.Desc
	running      *prom.Desc
	runningHeavy *prom.Desc
	failed       *prom.Desc
	maxCPU       *prom.Desc
	percent      *prom.Desc
	state        *prom.Desc
}

func NewCollector(src SnapshotSource) *Collector {
	desc := func(name, help string, labels ...string) *prom.Desc {
		return prom.NewDesc(prom.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:          src,
		total:        desc("jobs", "Jobs currently registered."),
		completed:    desc("jobs_completed", "Registered jobs that are completed."),
		running:      desc("jobs_running", "Jobs currently running."),
		runningHeavy: desc("jobs_running_cpu_heavy", "CPU-heavy jobs currently running."),
		failed:       desc("jobs_failed", "Completed jobs that returned an error."),
		maxCPU:       desc("max_cpu_jobs", "Cap on concurrently running CPU-heavy jobs."),
		percent:      desc("percent_complete", "Completed jobs as a percentage of registered jobs."),
		state:        desc("scheduler_state", "Scheduler state (1 for the current state).", "state"),
	}
}

func (c *Collector) Describe(ch chan<- *prom.Desc) {
	ch <- c.total
	ch <- c.completed
	ch <- c.running
	ch <- c.runningHeavy
	ch <- c.failed
	ch <- c.maxCPU
	ch <- c.percent
	ch <- c.state
}

func (c *Collector) Collect(ch chan<- prom.Metric) {
	snap := c.src.Snapshot()
	gauge := func(d *prom.Desc, v float64, labels ...string) {
		ch <- prom.MustNewConstMetric(d, prom.GaugeValue, v, labels...)
	}
	gauge(c.total, float64(snap.Total))
	gauge(c.completed, float64(snap.Completed))
	gauge(c.running, float64(snap.Running))
	gauge(c.runningHeavy, float64(snap.RunningHeavy))
	gauge(c.failed, float64(snap.Failed))
	gauge(c.maxCPU, float64(snap.MaxCPUJobs))
	gauge(c.percent, snap.Percent)
	for _, st := range []jobs.State{jobs.StateIdle, jobs.StateRunning, jobs.StateDraining, jobs.StateCancelled, jobs.StateStopped} {
		v := 0.0
		if st == snap.State {
			v = 1
		}
		gauge(c.state, v, st.String())
	}
}

// Metrics bundles the scrape-time collector with event-driven counters.
type Metrics struct {
	Collector *Collector

	cycles          *prom.CounterVec
	cycleDuration   *prom.HistogramVec
	jobDuration     *prom.HistogramVec
	triggersSkipped prom.Counter
}

// New registers all collectors on reg (the default registerer when nil).
// Registering twice on the same registry reuses the existing collectors.
func New(reg prom.Registerer, src SnapshotSource) (*Metrics, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	m := &Metrics{
		Collector: NewCollector(src),
		cycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished cycles by mode and result.",
		}, []string{"mode", "result"}),
		cycleDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of finished cycles.",
			Buckets:   prom.ExponentialBuckets(0.1, 4, 8),
		}, []string{"mode"}),
		jobDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Run time of finished jobs.",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		triggersSkipped: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_skipped_total",
			Help:      "Scheduled triggers skipped because a cycle was still running.",
		}),
	}

	var err error
	if m.Collector, err = registerCollector(reg, m.Collector); err != nil {
		return nil, err
	}
	if m.cycles, err = registerCollector(reg, m.cycles); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = registerCollector(reg, m.cycleDuration); err != nil {
		return nil, err
	}
	if m.jobDuration, err = registerCollector(reg, m.jobDuration); err != nil {
		return nil, err
	}
	if m.triggersSkipped, err = registerCollector(reg, m.triggersSkipped); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(sum jobs.Summary) {
	result := "ok"
	switch {
	case sum.Stopped:
		result = "stopped"
	case sum.Failed > 0:
		result = "failed"
	}
	mode := string(sum.Mode)
	m.cycles.WithLabelValues(mode, result).Inc()
	if d := sum.Finished.Sub(sum.Started); d >= 0 {
		m.cycleDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(ev jobs.JobEvent) {
	result := "ok"
	if ev.Error != "" {
		result = "failed"
	}
	m.jobDuration.WithLabelValues(result).Observe(ev.Elapsed.Seconds())
}

func (m *Metrics) TriggerSkipped() { m.triggersSkipped.Inc() }

// Follow feeds job and cycle completions from bus until ctx is done.
func (m *Metrics) Follow(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(64, eventbus.TypeJobFinished, eventbus.TypeJobFailed, eventbus.TypeCycleDone)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case jobs.JobEvent:
				m.ObserveJob(d)
			case jobs.Summary:
				m.ObserveCycle(d)
			}
		}
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
