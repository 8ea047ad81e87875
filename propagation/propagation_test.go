package propagation

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/spanztest"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceHex = "5b8efff798038103d269b633813fc60c"
	spanHex  = "eee19b7ec3c1b174"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	t.Parallel()
	tracer := spanz.New()
	defer tracer.Shutdown(context.Background())

	ctx := spanz.WithBaggage(context.Background(), "tenant", "acme")
	ctx, span := tracer.StartSpan(ctx, "client")
	defer span.End()

	carrier := MapCarrier{}
	Inject(ctx, carrier)

	require.Contains(t, carrier, "traceparent")
	assert.Equal(t, "00-"+span.TraceID().String()+"-"+span.SpanID().String()+"-01", carrier["traceparent"])
	assert.Equal(t, "tenant=acme", carrier["baggage"])

	remote := spanz.FromContext(Extract(context.Background(), carrier))
	assert.True(t, remote.IsRemote())
	assert.True(t, remote.IsSampled())
	assert.Equal(t, span.TraceID(), remote.TraceID())
	assert.Equal(t, span.SpanID(), remote.SpanID())
	v, ok := remote.Baggage("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)
}

func TestExtractedParentIsFollowed(t *testing.T) {
	t.Parallel()
	rec := spanztest.NewRecorder()
	tracer := spanz.New(spanz.WithExporter(rec))
	defer tracer.Shutdown(context.Background())

	h := http.Header{}
	h.Set("traceparent", "00-"+traceHex+"-"+spanHex+"-01")

	ctx := ExtractHTTP(context.Background(), h)
	_, span := tracer.StartSpan(ctx, "server")
	span.End()

	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, traceHex, spans[0].TraceID.String())
	assert.Equal(t, spanHex, spans[0].ParentID.String())
	assert.True(t, spans[0].RemoteParent)
}

func TestUnsampledParentDropsChild(t *testing.T) {
	t.Parallel()
	tracer := spanz.New()
	defer tracer.Shutdown(context.Background())

	carrier := MapCarrier{"traceparent": "00-" + traceHex + "-" + spanHex + "-00"}
	_, span := tracer.StartSpan(Extract(context.Background(), carrier), "server")
	defer span.End()

	assert.False(t, span.IsRecording())
	assert.Equal(t, traceHex, span.TraceID().String())
}

func TestExtractWithoutTraceparentKeepsContext(t *testing.T) {
	t.Parallel()
	base := spanz.WithBaggage(context.Background(), "a", "1")

	ctx := Extract(base, MapCarrier{"baggage": "b=2"})
	tc := spanz.FromContext(ctx)

	assert.False(t, tc.IsValid())
	assert.Equal(t, []spanz.BaggageEntry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, tc.BaggageEntries())
	_, ok := spanz.FromContext(base).Baggage("b")
	assert.False(t, ok, "Extract modified the input context")
}

func TestInjectEmptyContext(t *testing.T) {
	t.Parallel()
	carrier := MapCarrier{}
	Inject(context.Background(), carrier)
	assert.Empty(t, carrier)
}

func TestInjectHTTPBaggage(t *testing.T) {
	t.Parallel()
	ctx := spanz.WithBaggage(context.Background(), "region", "eu west")
	ctx = spanz.WithBaggage(ctx, "good", "y")

	h := http.Header{}
	InjectHTTP(ctx, h)
	assert.Contains(t, h.Get("baggage"), "good=y")
	assert.Contains(t, h.Get("baggage"), "region=eu%20west")
	assert.Empty(t, h.Get("traceparent"))

	tc := spanz.FromContext(ExtractHTTP(context.Background(), h))
	v, _ := tc.Baggage("region")
	assert.Equal(t, "eu west", v)
}

func TestFromHex(t *testing.T) {
	t.Parallel()
	tc, err := FromHex(traceHex, spanHex)
	require.NoError(t, err)
	assert.True(t, tc.IsValid())
	assert.True(t, tc.IsRemote())
	assert.True(t, tc.IsSampled())

	_, err = FromHex("nothex", spanHex)
	assert.Error(t, err)
	_, err = FromHex(traceHex, "")
	assert.Error(t, err)
}

func TestXRayTraceID(t *testing.T) {
	t.Parallel()
	tc, err := FromHex(traceHex, spanHex)
	require.NoError(t, err)

	xray := XRayTraceID(tc.TraceID())
	assert.Equal(t, "1-5b8efff7-98038103d269b633813fc60c", xray)

	back, err := ParseXRayTraceID(xray)
	require.NoError(t, err)
	assert.Equal(t, tc.TraceID(), back)

	assert.Empty(t, XRayTraceID(trace.TraceID{}))

	for _, bad := range []string{"", "1-5b8efff7", "2-5b8efff7-98038103d269b633813fc60c", "1-5b8e-98038103d269b633813fc60c5b8e"} {
		_, err := ParseXRayTraceID(bad)
		assert.Error(t, err, bad)
	}
}
