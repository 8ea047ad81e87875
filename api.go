// Package spanz provides a small span lifecycle and context propagation core
// for instrumenting request-handling functions.
//
// spanz records spans in process and hands finished ones to an Exporter. It
// does not ship a backend or a wire protocol; adapters in the exporter
// subpackages bridge to zap logging and to the OpenTelemetry SDK.
//
// Core Components:
//   - Tracer: starts spans, consults the Sampler, hands ended spans off.
//   - ActiveSpan: an open span; attributes, events, exceptions and status.
//   - Span: the frozen record of an ended span.
//   - TraceContext: the immutable trace context carried in context.Context.
//   - Sampler: decides whether a span is recorded and exported.
//   - Collector: batches ended spans in front of a downstream Exporter.
//
// Basic Usage:
//
//	tracer := spanz.New(spanz.WithExporter(exporter))
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.StartSpan(ctx, "requests amazon")
//	defer span.End()
//
//	span.SetAttributes(semconv.HTTPMethodKey.String("GET"))
//
//	// Child spans read their parent from ctx.
//	_, child := tracer.StartSpan(ctx, "parse response")
//	defer child.End()
//
// Thread Safety:
//
// Tracer, Collector and the provided samplers are safe for concurrent use.
// ActiveSpan guards its own state with a mutex, but a span belongs to the
// call scope that opened it. Concurrent sub-operations should start their
// own child spans instead of sharing one.
//
// Context Propagation:
//
// TraceContext values are never mutated after creation. WithSpan and
// WithBaggage derive new values, so a context handed to another goroutine
// cannot be changed underneath it.
//
// Failure Isolation:
//
// Export failures are logged and counted by the Tracer and never reach the
// instrumented code. Mutating an ended span returns ErrInvalidState; spans
// dropped by the sampler accept every call as a no-op.
package spanz

import (
	"fmt"
	"math"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
)

// Key represents a span operation name.
type Key = string

// toAttribute converts a scalar into an attribute.KeyValue. Unsupported
// types are stored as their string form.
func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case attribute.Value:
		return attribute.KeyValue{Key: attribute.Key(key), Value: v}
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int8:
		return attribute.Int64(key, int64(v))
	case int16:
		return attribute.Int64(key, int64(v))
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint8:
		return attribute.Int64(key, int64(v))
	case uint16:
		return attribute.Int64(key, int64(v))
	case uint32:
		return attribute.Int64(key, int64(v))
	case uint:
		return unsignedAttribute(key, uint64(v))
	case uint64:
		return unsignedAttribute(key, v)
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		if str, err := cast.ToStringE(v); err == nil {
			return attribute.String(key, str)
		}
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// unsignedAttribute stores v as INT64 when it fits. Larger values keep their
// exact decimal form as a string.
func unsignedAttribute(key string, v uint64) attribute.KeyValue {
	if v > math.MaxInt64 {
		return attribute.String(key, cast.ToString(v))
	}
	return attribute.Int64(key, int64(v))
}
