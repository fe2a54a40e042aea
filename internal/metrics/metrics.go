// Package metrics provides Prometheus metrics for the refinement stages.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics related to refinement runs.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	PairsAccepted   *prometheus.HistogramVec
	Residual        *prometheus.GaugeVec
	MacrocycleTotal *prometheus.CounterVec
	MeanB           prometheus.Gauge
	ClampedShifts   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the metrics and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register refinement metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xtal_refine_tasks_total",
			Help: "Per-crystal tasks completed, partitioned by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	m.TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xtal_refine_task_duration_seconds",
			Help:    "Time taken by one per-crystal task",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"stage"},
	)
	m.PairsAccepted = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xtal_refine_pairs_accepted",
			Help:    "Accepted peak-reflection pairs per crystal",
			Buckets: prometheus.ExponentialBuckets(4, 2, 10),
		},
		[]string{"stage"},
	)
	m.Residual = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xtal_refine_residual",
			Help: "Most recent aggregated residual of a stage.",
		},
		[]string{"stage"},
	)
	m.MacrocycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xtal_refine_macrocycles_total",
			Help: "Macrocycles run, partitioned by stage.",
		},
		[]string{"stage"},
	)
	m.MeanB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtal_refine_mean_bfactor_m2",
			Help: "Mean B factor over unflagged crystals after the latest scaling macrocycle.",
		},
	)
	m.ClampedShifts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xtal_refine_clamped_shifts_total",
			Help: "Non-finite least-squares shift components clamped to zero.",
		},
		[]string{"stage"},
	)
}

// RecordTask records one finished per-crystal task.
func (m *Metrics) RecordTask(stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.TasksTotal.WithLabelValues(stage, outcome).Inc()
	m.TaskDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordPairs records the accepted pair count of one crystal.
func (m *Metrics) RecordPairs(stage string, n int) {
	if m == nil {
		return
	}
	m.PairsAccepted.WithLabelValues(stage).Observe(float64(n))
}

// RecordMacrocycle records the end of a macrocycle and its residual.
func (m *Metrics) RecordMacrocycle(stage string, residual float64) {
	if m == nil {
		return
	}
	m.MacrocycleTotal.WithLabelValues(stage).Inc()
	m.Residual.WithLabelValues(stage).Set(residual)
}

// SetMeanB sets the mean B factor gauge.
func (m *Metrics) SetMeanB(b float64) {
	if m == nil {
		return
	}
	m.MeanB.Set(b)
}

// RecordClamped counts clamped shift components.
func (m *Metrics) RecordClamped(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ClampedShifts.WithLabelValues(stage).Add(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.TasksTotal.Describe(ch)
	m.TaskDuration.Describe(ch)
	m.PairsAccepted.Describe(ch)
	m.Residual.Describe(ch)
	m.MacrocycleTotal.Describe(ch)
	m.MeanB.Describe(ch)
	m.ClampedShifts.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.TasksTotal.Collect(ch)
	m.TaskDuration.Collect(ch)
	m.PairsAccepted.Collect(ch)
	m.Residual.Collect(ch)
	m.MacrocycleTotal.Collect(ch)
	m.MeanB.Collect(ch)
	m.ClampedShifts.Collect(ch)
}

// Serve exposes registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics endpoint shutdown", "error", err)
		}
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
