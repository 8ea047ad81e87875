// Package spanzfx wires a configured spanz Tracer into an fx application:
// logger, Prometheus metrics, exporter chain and lifecycle.
package spanzfx

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/config"
	"github.com/zoobzio/spanz/exporter/logexport"
	"github.com/zoobzio/spanz/exporter/otlpexport"
	"github.com/zoobzio/spanz/logging"
	"github.com/zoobzio/spanz/spanzprom"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides *zap.Logger, *spanzprom.Metrics, spanz.Exporter and
// *spanz.Tracer. It requires a config.Config and a prometheus.Registerer.
var Module = fx.Module("spanz",
	fx.Provide(
		NewLogger,
		NewMetrics,
		NewExporter,
		NewTracer,
	),
	fx.Invoke(RegisterLifecycle),
)

// RegistryModule provides a fresh Prometheus registry as both Registerer
// and Gatherer.
var RegistryModule = fx.Module("spanz-registry",
	fx.Provide(
		prometheus.NewRegistry,
		func(r *prometheus.Registry) prometheus.Registerer { return r },
		func(r *prometheus.Registry) prometheus.Gatherer { return r },
	),
)

// NewLogger builds the service logger.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		ServiceName: cfg.Service.Name,
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
}

// NewMetrics registers the span metrics.
func NewMetrics(reg prometheus.Registerer) (*spanzprom.Metrics, error) {
	return spanzprom.New(spanzprom.DefaultNamespace, reg)
}

// NewExporter builds the exporter chain: the configured backend,
// instrumented with metrics, behind a Collector when batching is enabled.
func NewExporter(cfg config.Config, logger *zap.Logger, metrics *spanzprom.Metrics) (spanz.Exporter, error) {
	var base spanz.Exporter
	switch cfg.Exporter.Type {
	case config.ExporterNone:
		base = spanz.MultiExporter()
	case config.ExporterLog:
		base = logexport.New(logger.Named("spans"))
	case config.ExporterOTLP:
		exp, err := otlpexport.NewHTTP(context.Background(), otlpexport.HTTPConfig{
			Endpoint: cfg.Exporter.Endpoint,
			URLPath:  cfg.Exporter.URLPath,
			Insecure: cfg.Exporter.Insecure,
			Headers:  cfg.Exporter.Headers,
		}, otlpexport.WithResource(otlpexport.Resource(cfg.Service.Name, cfg.Service.Environment)))
		if err != nil {
			return nil, err
		}
		base = exp
	default:
		return nil, fmt.Errorf("%w: unknown exporter.type %q", config.ErrInvalid, cfg.Exporter.Type)
	}

	exporter := metrics.WrapExporter(base)
	if !cfg.Collector.Enabled {
		return exporter, nil
	}

	collector := spanz.NewCollector(exporter,
		spanz.WithBatchSize(cfg.Collector.BatchSize),
		spanz.WithQueueSize(cfg.Collector.QueueSize),
		spanz.WithFlushInterval(cfg.Collector.FlushInterval),
		spanz.WithCollectorLogger(logger),
	)
	if err := metrics.ObserveCollector(collector); err != nil {
		return nil, err
	}
	return collector, nil
}

// NewTracer builds the tracer and attaches the span metrics.
func NewTracer(cfg config.Config, exporter spanz.Exporter, logger *zap.Logger, metrics *spanzprom.Metrics) *spanz.Tracer {
	tracer := spanz.New(
		spanz.WithSampler(cfg.Sampler.NewSampler()),
		spanz.WithExporter(exporter),
		spanz.WithLogger(logger),
		spanz.WithExportTimeout(cfg.Exporter.Timeout),
	)
	metrics.Observe(tracer)
	return tracer
}

// RegisterLifecycle shuts the tracer down, flushing pending spans, and
// syncs the logger when the application stops.
func RegisterLifecycle(lc fx.Lifecycle, tracer *spanz.Tracer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down tracer")
			err := tracer.Shutdown(ctx)
			_ = logger.Sync()
			return err
		},
	})
}
