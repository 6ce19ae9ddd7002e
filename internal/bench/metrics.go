package bench

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name benchmark metrics are grouped under
const PushJob = "radstream_benchmark"

// Metrics records benchmark outcomes as Prometheus collectors
type Metrics struct {
	registry   *prometheus.Registry
	processing prometheus.Histogram
	studies    *prometheus.CounterVec
}

// NewMetrics registers the benchmark collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radstream_benchmark_processing_seconds",
			Help:    "Time from upload until results appear, per study.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		studies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radstream_benchmark_studies_total",
			Help: "Benchmarked studies by outcome.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.processing, m.studies)
	return m
}

// Observe records one result
func (m *Metrics) Observe(r Result) {
	if r.PipelineSuccess {
		m.studies.WithLabelValues("success").Inc()
		m.processing.Observe(r.ProcessingTime)
		return
	}
	m.studies.WithLabelValues("failed").Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends the collected metrics to a Pushgateway
func (m *Metrics) Push(ctx context.Context, url string) error {
	if err := push.New(url, PushJob).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
