// Package metrics exports pipeline outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	etl "github.com/paccafe/retail-etl"
)

// Metrics holds the pipeline collectors on their own registry. It
// implements etl.Observer.
type Metrics struct {
	reg *prometheus.Registry

	StageEvents      *prometheus.CounterVec
	Rows             *prometheus.CounterVec
	Quarantined      *prometheus.CounterVec
	QuarantineErrors *prometheus.CounterVec
	LogWriteFailures prometheus.Counter
	StageDuration    *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		StageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_stage_events_total",
			Help: "Stage invocations by outcome",
		}, []string{"step", "component", "table", "status"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_rows_total",
			Help: "Rows processed by successful stages",
		}, []string{"step", "table", "stage"}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_quarantined_batches_total",
			Help: "Batches written to the dead-letter store",
		}, []string{"step", "table", "component"}),
		QuarantineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_quarantine_failures_total",
			Help: "Dead-letter writes that failed",
		}, []string{"step", "table", "component"}),
		LogWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etl_log_write_failures_total",
			Help: "Events that could not be written to the ETL log",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etl_stage_duration_seconds",
			Help:    "Time spent per stage invocation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"step", "component"}),
	}
	m.reg.MustRegister(
		m.StageEvents,
		m.Rows,
		m.Quarantined,
		m.QuarantineErrors,
		m.LogWriteFailures,
		m.StageDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveStage implements etl.Observer.
func (m *Metrics) ObserveStage(o etl.Outcome) {
	m.StageEvents.WithLabelValues(o.Step, string(o.Stage), o.Table, string(o.Status)).Inc()
	if o.Status == etl.StatusSkipped {
		return
	}
	m.StageDuration.WithLabelValues(o.Step, string(o.Stage)).Observe(o.Duration.Seconds())
	if o.Status == etl.StatusSuccess {
		m.Rows.WithLabelValues(o.Step, o.Table, string(o.Stage)).Add(float64(o.Rows))
	}
}

// ObserveQuarantine implements etl.Observer.
func (m *Metrics) ObserveQuarantine(a etl.Artifact, _ int, err error) {
	if err != nil {
		m.QuarantineErrors.WithLabelValues(a.Step, a.Table, a.Component).Inc()
		return
	}
	m.Quarantined.WithLabelValues(a.Step, a.Table, a.Component).Inc()
}

// Push sends every collector to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := push.New(url, job).Gatherer(m.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
