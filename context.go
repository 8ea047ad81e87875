package spanz

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKeyType is a private type for context keys to avoid collisions.
type contextKeyType string

const (
	traceKey contextKeyType = "spanz"
)

// BaggageEntry is a single baggage item.
type BaggageEntry struct {
	Key   string
	Value string
}

// TraceContext is the trace state visible to a call scope: the trace ID,
// the current span, the sampling flag and the baggage.
//
// A TraceContext is immutable. WithSpan and WithBaggage return derived
// copies and leave the receiver untouched, so values may be shared freely
// between goroutines.
type TraceContext struct {
	span    *ActiveSpan
	baggage []BaggageEntry
	traceID trace.TraceID
	spanID  trace.SpanID
	sampled bool
	remote  bool
}

// NewRemoteContext builds a TraceContext for a parent that lives in another
// process, typically extracted from inbound headers.
func NewRemoteContext(traceID trace.TraceID, spanID trace.SpanID, sampled bool) TraceContext {
	return TraceContext{
		traceID: traceID,
		spanID:  spanID,
		sampled: sampled,
		remote:  true,
	}
}

// TraceID returns the trace ID, zero for an empty context.
func (tc TraceContext) TraceID() trace.TraceID { return tc.traceID }

// SpanID returns the ID of the current span, zero if there is none.
func (tc TraceContext) SpanID() trace.SpanID { return tc.spanID }

// IsSampled reports whether the current span is exported.
func (tc TraceContext) IsSampled() bool { return tc.sampled }

// IsRemote reports whether the current span was started in another process.
func (tc TraceContext) IsRemote() bool { return tc.remote }

// IsValid reports whether the context carries both a trace and a span ID.
func (tc TraceContext) IsValid() bool {
	return tc.traceID.IsValid() && tc.spanID.IsValid()
}

// Span returns the local span current in this context. A context without a
// local span returns a non-recording span, so callers never need a nil check.
func (tc TraceContext) Span() *ActiveSpan {
	if tc.span == nil {
		return noopSpan
	}
	return tc.span
}

// WithSpan returns a copy of tc whose current span is span.
func (tc TraceContext) WithSpan(span *ActiveSpan) TraceContext {
	if span == nil {
		return tc
	}
	tc.span = span
	tc.traceID = span.TraceID()
	tc.spanID = span.SpanID()
	tc.sampled = span.sampled
	tc.remote = false
	return tc
}

// WithBaggage returns a copy of tc with key set to value. An existing key
// keeps its position; a new key is appended.
func (tc TraceContext) WithBaggage(key, value string) TraceContext {
	entries := make([]BaggageEntry, len(tc.baggage), len(tc.baggage)+1)
	copy(entries, tc.baggage)

	for i := range entries {
		if entries[i].Key == key {
			entries[i].Value = value
			tc.baggage = entries
			return tc
		}
	}

	tc.baggage = append(entries, BaggageEntry{Key: key, Value: value})
	return tc
}

// Baggage looks up a baggage value.
func (tc TraceContext) Baggage(key string) (string, bool) {
	for _, e := range tc.baggage {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// BaggageEntries returns a copy of the baggage in insertion order.
func (tc TraceContext) BaggageEntries() []BaggageEntry {
	if len(tc.baggage) == 0 {
		return nil
	}
	out := make([]BaggageEntry, len(tc.baggage))
	copy(out, tc.baggage)
	return out
}

// detached drops the span identity but keeps the baggage.
func (tc TraceContext) detached() TraceContext {
	return TraceContext{baggage: tc.baggage}
}

// FromContext returns the TraceContext visible in ctx. It never fails: a nil
// ctx or one without trace state yields an empty root context.
func FromContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}

	if tc, ok := ctx.Value(traceKey).(TraceContext); ok {
		return tc
	}

	return TraceContext{}
}

// ContextWithTrace returns a child of parent carrying tc.
func ContextWithTrace(parent context.Context, tc TraceContext) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, traceKey, tc)
}

// ContextWithSpan returns a child of parent in which span is current.
func ContextWithSpan(parent context.Context, span *ActiveSpan) context.Context {
	return ContextWithTrace(parent, FromContext(parent).WithSpan(span))
}

// WithBaggage returns a child of parent carrying an extra baggage entry.
// Every span started beneath the returned context records the entry.
func WithBaggage(parent context.Context, key, value string) context.Context {
	return ContextWithTrace(parent, FromContext(parent).WithBaggage(key, value))
}

// SpanFromContext returns the current local span of ctx, or a non-recording
// span if there is none.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	return FromContext(ctx).Span()
}
