package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepErrorReasonDeadlineExceeded = "deadline_exceeded"
	SweepErrorReasonDB               = "db"
	SweepErrorReasonUnknown          = "unknown"
)

// SweepMetrics captures reconciliation sweep health signals.
type SweepMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
	corrections *prometheus.CounterVec
	runLoopLag  prometheus.Observer
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "quotagate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotagate_sweep_job_runs_total",
		Help:        "Reconciliation sweep runs by job name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "quotagate_sweep_job_duration_seconds",
		Help:        "Reconciliation sweep latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotagate_sweep_job_errors_total",
		Help:        "Reconciliation sweep errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	corrections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotagate_sweep_corrections_applied_total",
		Help:        "Counter drift corrections applied by the sweep.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "quotagate_sweep_runloop_lag_seconds",
		Help:        "Sweep run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(jobRuns, jobDuration, jobErrors, corrections, runLoopLag)

	return &SweepMetrics{
		jobRuns:     jobRuns,
		jobDuration: jobDuration,
		jobErrors:   jobErrors,
		corrections: corrections,
		runLoopLag:  runLoopLag,
	}
}

// ObserveJob records one sweep run with its duration and error outcome.
func (m *SweepMetrics) ObserveJob(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySweepError(err)).Inc()
	}
}

// RecordCorrection counts one applied drift correction.
func (m *SweepMetrics) RecordCorrection(kind string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(kind).Inc()
}

// ObserveRunLoopLag records how far behind schedule the loop ticked.
func (m *SweepMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifySweepError buckets sweep errors into low-cardinality reasons.
func ClassifySweepError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return SweepErrorReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrInvalidTransaction), errors.Is(err, gorm.ErrInvalidDB):
		return SweepErrorReasonDB
	default:
		return SweepErrorReasonUnknown
	}
}
