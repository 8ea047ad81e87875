// Package spanzprom exposes span and export activity as Prometheus metrics.
package spanzprom

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "spanz"

// Metrics holds the span collectors.
type Metrics struct {
	SpansEnded     *prometheus.CounterVec
	Exceptions     *prometheus.CounterVec
	SpansExported  prometheus.Counter
	ExportFailures prometheus.Counter
	ExportDuration prometheus.Histogram

	namespace string
	reg       prometheus.Registerer
	clock     clockz.Clock
}

// New creates the metrics and registers them with reg. Collectors already
// present in reg are reused, so New may be called more than once per
// registry.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{namespace: namespace, reg: reg, clock: clockz.RealClock}
	var err error

	if m.SpansEnded, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spans_ended_total",
		Help:      "Recording spans ended, by span name and status code.",
	}, []string{"span", "status"})); err != nil {
		return nil, err
	}
	if m.Exceptions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exceptions_total",
		Help:      "Exceptions recorded on ended spans, by span name and exception type.",
	}, []string{"span", "type"})); err != nil {
		return nil, err
	}
	if m.SpansExported, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spans_exported_total",
		Help:      "Spans accepted by the exporter.",
	})); err != nil {
		return nil, err
	}
	if m.ExportFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_failures_total",
		Help:      "Exporter calls that returned an error.",
	})); err != nil {
		return nil, err
	}
	if m.ExportDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "export_duration_seconds",
		Help:      "Latency of exporter calls.",
		Buckets:   prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe counts every recording span the tracer ends. It returns the
// handler ID for Tracer.RemoveHandler.
func (m *Metrics) Observe(tracer *spanz.Tracer) uint64 {
	return tracer.OnSpanEnd(func(s spanz.Span) {
		m.SpansEnded.WithLabelValues(s.Name, s.Status.Code.String()).Inc()
		for _, ex := range s.Exceptions {
			m.Exceptions.WithLabelValues(s.Name, ex.Type).Inc()
		}
	})
}

// ObserveCollector exposes the collector's queue and loss counters.
func (m *Metrics) ObserveCollector(c *spanz.Collector) error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"collector_buffered_spans", "Spans waiting in the collector buffer.", func() float64 { return float64(c.Count()) }},
		{"collector_dropped_spans", "Spans dropped by the collector under backpressure or after shutdown.", func() float64 { return float64(c.DroppedCount()) }},
		{"collector_failed_spans", "Spans lost in failed collector batches.", func() float64 { return float64(c.FailedCount()) }},
	}
	for _, g := range gauges {
		if _, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      g.name,
			Help:      g.help,
		}, g.fn)); err != nil {
			return err
		}
	}
	return nil
}

// SetClock replaces the clock timing exporter calls.
func (m *Metrics) SetClock(c clockz.Clock) {
	if c != nil {
		m.clock = c
	}
}

// WrapExporter instruments next. The returned exporter still forwards Flush
// and Shutdown.
func (m *Metrics) WrapExporter(next spanz.Exporter) spanz.Exporter {
	return &instrumented{next: next, metrics: m, clock: m.clock}
}

type instrumented struct {
	next    spanz.Exporter
	metrics *Metrics
	clock   clockz.Clock
}

func (i *instrumented) Export(ctx context.Context, spans []spanz.Span) error {
	start := i.clock.Now()
	err := i.next.Export(ctx, spans)
	i.metrics.ExportDuration.Observe(i.clock.Since(start).Seconds())

	if err != nil {
		i.metrics.ExportFailures.Inc()
		return err
	}
	i.metrics.SpansExported.Add(float64(len(spans)))
	return nil
}

func (i *instrumented) Flush(ctx context.Context) error {
	if f, ok := i.next.(spanz.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

func (i *instrumented) Shutdown(ctx context.Context) error {
	if s, ok := i.next.(spanz.Shutdowner); ok {
		return s.Shutdown(ctx)
	}
	return nil
}
