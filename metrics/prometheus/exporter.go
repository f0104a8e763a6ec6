// Package prometheus adapts metrics.Metrics to Prometheus collectors,
// grounded directly on the teacher library's own
// observability/prometheus exporter.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-jobsystem/metrics"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts metrics.Metrics to Prometheus collectors.
type Exporter struct {
	jobDurationSeconds *prom.HistogramVec
	jobPanicTotal      *prom.CounterVec
	stealTotal         *prom.CounterVec
	stealFailedTotal   *prom.CounterVec
	activeJobs         *prom.GaugeVec
	sleepingWorkers    *prom.GaugeVec
}

var _ metrics.Metrics = (*Exporter)(nil)

// New creates and registers Prometheus collectors for metrics.Metrics.
// A nil reg registers against prom.DefaultRegisterer. Re-registering
// against the same Registerer (e.g. in tests that construct more than
// one scheduler) returns the already-registered collectors instead of
// erroring.
func New(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "jobsystem"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"scheduler", "job"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_panic_total",
		Help:      "Total number of job panics.",
	}, []string{"scheduler", "job"})
	stealVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "steal_total",
		Help:      "Total number of successful steals, by victim worker.",
	}, []string{"scheduler", "victim"})
	stealFailedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "steal_failed_total",
		Help:      "Total number of steal attempts that found nothing or lost a race.",
	}, []string{"scheduler", "victim"})
	activeJobsVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Current number of jobs queued and not yet picked up by a worker.",
	}, []string{"scheduler"})
	sleepingWorkersVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "sleeping_workers",
		Help:      "Current number of workers parked waiting for work.",
	}, []string{"scheduler"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if stealVec, err = registerCollector(reg, stealVec); err != nil {
		return nil, err
	}
	if stealFailedVec, err = registerCollector(reg, stealFailedVec); err != nil {
		return nil, err
	}
	if activeJobsVec, err = registerCollector(reg, activeJobsVec); err != nil {
		return nil, err
	}
	if sleepingWorkersVec, err = registerCollector(reg, sleepingWorkersVec); err != nil {
		return nil, err
	}

	return &Exporter{
		jobDurationSeconds: durationVec,
		jobPanicTotal:      panicVec,
		stealTotal:         stealVec,
		stealFailedTotal:   stealFailedVec,
		activeJobs:         activeJobsVec,
		sleepingWorkers:    sleepingWorkersVec,
	}, nil
}

func (e *Exporter) RecordJobDuration(schedulerName, jobName string, d time.Duration) {
	if e == nil {
		return
	}
	e.jobDurationSeconds.WithLabelValues(normalizeLabel(schedulerName), normalizeLabel(jobName)).Observe(d.Seconds())
}

func (e *Exporter) RecordJobPanic(schedulerName, jobName string, panicValue any) {
	if e == nil {
		return
	}
	e.jobPanicTotal.WithLabelValues(normalizeLabel(schedulerName), normalizeLabel(jobName)).Inc()
}

func (e *Exporter) RecordSteal(schedulerName string, victimIndex int, ok bool) {
	if e == nil {
		return
	}
	label := fmt.Sprintf("%d", victimIndex)
	if ok {
		e.stealTotal.WithLabelValues(normalizeLabel(schedulerName), label).Inc()
		return
	}
	e.stealFailedTotal.WithLabelValues(normalizeLabel(schedulerName), label).Inc()
}

func (e *Exporter) RecordActiveJobs(schedulerName string, n int) {
	if e == nil {
		return
	}
	e.activeJobs.WithLabelValues(normalizeLabel(schedulerName)).Set(float64(n))
}

func (e *Exporter) RecordSleepingWorkers(schedulerName string, n int) {
	if e == nil {
		return
	}
	e.sleepingWorkers.WithLabelValues(normalizeLabel(schedulerName)).Set(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
