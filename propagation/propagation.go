// Package propagation moves spanz trace contexts across process boundaries
// using the W3C traceparent and baggage headers.
package propagation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/zoobzio/spanz"
	"go.opentelemetry.io/otel/baggage"
	otelprop "go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MapCarrier is a carrier backed by a map, for event payload headers.
type MapCarrier = otelprop.MapCarrier

var propagator = otelprop.NewCompositeTextMapPropagator(otelprop.TraceContext{}, otelprop.Baggage{})

// Propagator returns the composite W3C propagator used by Inject and Extract.
func Propagator() otelprop.TextMapPropagator {
	return propagator
}

// Inject writes the current span and baggage of ctx into carrier. Nothing
// is written for the trace when ctx holds no valid span.
func Inject(ctx context.Context, carrier otelprop.TextMapCarrier) {
	propagator.Inject(toOTel(ctx), carrier)
}

// Extract reads a remote parent and baggage from carrier. The returned
// context keeps the baggage already present in ctx; extracted entries win on
// conflict. When carrier holds no valid traceparent the current trace of
// ctx is left as is.
func Extract(ctx context.Context, carrier otelprop.TextMapCarrier) context.Context {
	octx := propagator.Extract(context.Background(), carrier)

	tc := spanz.FromContext(ctx)
	if sc := trace.SpanContextFromContext(octx); sc.IsValid() {
		remote := spanz.NewRemoteContext(sc.TraceID(), sc.SpanID(), sc.IsSampled())
		for _, e := range tc.BaggageEntries() {
			remote = remote.WithBaggage(e.Key, e.Value)
		}
		tc = remote
	}

	members := baggage.FromContext(octx).Members()
	sort.Slice(members, func(i, j int) bool { return members[i].Key() < members[j].Key() })
	for _, m := range members {
		tc = tc.WithBaggage(m.Key(), m.Value())
	}

	return spanz.ContextWithTrace(ctx, tc)
}

// InjectHTTP writes trace headers into h.
func InjectHTTP(ctx context.Context, h http.Header) {
	Inject(ctx, otelprop.HeaderCarrier(h))
}

// ExtractHTTP reads trace headers from h.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return Extract(ctx, otelprop.HeaderCarrier(h))
}

// toOTel mirrors the spanz trace context of ctx into OTel's span context and
// baggage so the OTel propagators can serialize it.
func toOTel(ctx context.Context) context.Context {
	tc := spanz.FromContext(ctx)
	octx := context.Background()

	if tc.IsValid() {
		var flags trace.TraceFlags
		if tc.IsSampled() {
			flags = trace.FlagsSampled
		}
		octx = trace.ContextWithSpanContext(octx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tc.TraceID(),
			SpanID:     tc.SpanID(),
			TraceFlags: flags,
			Remote:     tc.IsRemote(),
		}))
	}

	entries := tc.BaggageEntries()
	if len(entries) == 0 {
		return octx
	}

	members := make([]baggage.Member, 0, len(entries))
	for _, e := range entries {
		m, err := baggage.NewMemberRaw(e.Key, e.Value)
		if err != nil {
			// Keys that are not valid header tokens cannot be carried.
			continue
		}
		members = append(members, m)
	}
	bag, err := baggage.New(members...)
	if err != nil {
		return octx
	}
	return baggage.ContextWithBaggage(octx, bag)
}

// FromHex builds a sampled remote parent from hex encoded IDs, for callers
// that receive the IDs out of band.
func FromHex(traceHex, spanHex string) (spanz.TraceContext, error) {
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return spanz.TraceContext{}, fmt.Errorf("parse trace id %q: %w", traceHex, err)
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return spanz.TraceContext{}, fmt.Errorf("parse span id %q: %w", spanHex, err)
	}
	return spanz.NewRemoteContext(traceID, spanID, true), nil
}

// XRayTraceID formats id the way AWS X-Ray expects: 1-<8 hex>-<24 hex>.
// The zero ID formats as the empty string.
func XRayTraceID(id trace.TraceID) string {
	if !id.IsValid() {
		return ""
	}
	h := id.String()
	return "1-" + h[:8] + "-" + h[8:]
}

// ParseXRayTraceID is the inverse of XRayTraceID.
func ParseXRayTraceID(s string) (trace.TraceID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != "1" || len(parts[1]) != 8 || len(parts[2]) != 24 {
		return trace.TraceID{}, fmt.Errorf("malformed x-ray trace id %q", s)
	}
	return trace.TraceIDFromHex(parts[1] + parts[2])
}
