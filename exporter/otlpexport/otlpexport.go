// Package otlpexport bridges spanz spans to an OpenTelemetry SDK span
// exporter, typically OTLP over HTTP.
package otlpexport

import (
	"context"
	"fmt"
	"sort"

	"github.com/zoobzio/spanz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName identifies spans produced through this bridge.
const ScopeName = "github.com/zoobzio/spanz"

// Exporter converts spanz spans to OTel read-only spans and forwards them.
type Exporter struct {
	exporter sdktrace.SpanExporter
	resource *resource.Resource
	scope    instrumentation.Scope
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithResource sets the resource attached to every span.
func WithResource(r *resource.Resource) Option {
	return func(e *Exporter) {
		if r != nil {
			e.resource = r
		}
	}
}

// Resource describes a service for WithResource.
func Resource(serviceName, environment string) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(environment))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// New wraps an SDK span exporter.
func New(exporter sdktrace.SpanExporter, opts ...Option) *Exporter {
	e := &Exporter{
		exporter: exporter,
		resource: resource.Empty(),
		scope:    instrumentation.Scope{Name: ScopeName},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HTTPConfig configures NewHTTP.
type HTTPConfig struct {
	// Endpoint is host[:port]; empty uses the OTLP environment defaults.
	Endpoint string
	URLPath  string
	Insecure bool
	Headers  map[string]string
}

// NewHTTP creates an Exporter sending OTLP/HTTP.
func NewHTTP(ctx context.Context, cfg HTTPConfig, opts ...Option) (*Exporter, error) {
	var clientOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.URLPath != "" {
		clientOpts = append(clientOpts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTLP exporter: %w", err)
	}
	return New(exporter, opts...), nil
}

// Export implements spanz.Exporter.
func (e *Exporter) Export(ctx context.Context, spans []spanz.Span) error {
	if len(spans) == 0 {
		return nil
	}

	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i := range spans {
		out[i] = e.convert(&spans[i])
	}
	return e.exporter.ExportSpans(ctx, out)
}

// Shutdown shuts the underlying exporter down.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.exporter.Shutdown(ctx)
}

func (e *Exporter) convert(s *spanz.Span) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    s.TraceID,
			SpanID:     s.SpanID,
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             trace.SpanKindInternal,
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Attributes:           sortedAttributes(s.Attributes),
		Events:               events(s),
		Status:               sdktrace.Status{Code: s.Status.Code, Description: s.Status.Description},
		Resource:             e.resource,
		InstrumentationScope: e.scope,
	}

	if s.ParentID.IsValid() {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    s.TraceID,
			SpanID:     s.ParentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     s.RemoteParent,
		})
	}

	return stub.Snapshot()
}

func sortedAttributes(m map[string]attribute.Value) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		out = append(out, attribute.KeyValue{Key: attribute.Key(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// events merges span events and exceptions in time order. Exceptions
// follow the OTel "exception" event convention.
func events(s *spanz.Span) []sdktrace.Event {
	if len(s.Events) == 0 && len(s.Exceptions) == 0 {
		return nil
	}

	out := make([]sdktrace.Event, 0, len(s.Events)+len(s.Exceptions))
	for _, ev := range s.Events {
		out = append(out, sdktrace.Event{
			Name:       ev.Name,
			Time:       ev.Time,
			Attributes: ev.Attributes,
		})
	}
	for _, ex := range s.Exceptions {
		attrs := []attribute.KeyValue{
			semconv.ExceptionType(ex.Type),
			semconv.ExceptionMessage(ex.Message),
			semconv.ExceptionStacktrace(ex.Stacktrace),
			semconv.ExceptionEscaped(ex.Escaped),
		}
		out = append(out, sdktrace.Event{
			Name:       semconv.ExceptionEventName,
			Time:       ex.Time,
			Attributes: append(attrs, ex.Attributes...),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
