package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/propagation"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// newBackend serves one traced endpoint that continues incoming traces.
func newBackend(t *testing.T, h *Harness) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagation.ExtractHTTP(r.Context(), r.Header)
		_, span := h.Tracer.StartSpan(ctx, "backend.handle",
			spanz.WithAttributes(semconv.HTTPRoute(r.URL.Path)))
		defer span.End()

		if tenant, ok := spanz.FromContext(ctx).Baggage("tenant"); ok {
			w.Header().Set("X-Tenant", tenant)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// call makes a traced client request from the frontend.
func call(t *testing.T, h *Harness, ctx context.Context, url string) *http.Response {
	t.Helper()
	ctx, span := h.Tracer.StartSpan(ctx, "frontend.call",
		spanz.WithAttributes(semconv.HTTPMethod(http.MethodGet)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	propagation.InjectHTTP(ctx, req.Header)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = span.SetAttributes(semconv.HTTPStatusCode(resp.StatusCode))
	return resp
}

func TestTraceCrossesServices(t *testing.T) {
	frontend := NewHarness(t)
	backend := NewHarness(t)
	srv := newBackend(t, backend)

	ctx := spanz.WithBaggage(context.Background(), "tenant", "acme")
	resp := call(t, frontend, ctx, srv.URL+"/orders")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "acme", resp.Header.Get("X-Tenant"))

	client := frontend.SpanNamed(t, "frontend.call")
	server := backend.SpanNamed(t, "backend.handle")

	assert.Equal(t, client.TraceID, server.TraceID)
	assert.Equal(t, client.SpanID, server.ParentID)
	assert.True(t, server.RemoteParent)
	assert.False(t, client.RemoteParent)
	assert.Equal(t, []spanz.BaggageEntry{{Key: "tenant", Value: "acme"}}, server.Baggage)

	route, ok := server.Attribute(string(semconv.HTTPRouteKey))
	require.True(t, ok)
	assert.Equal(t, "/orders", route.AsString())

	status, ok := client.Attribute(string(semconv.HTTPStatusCodeKey))
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusNoContent), status.AsInt64())
}

func TestUnsampledDecisionCrossesServices(t *testing.T) {
	frontend := NewHarness(t, spanz.WithSampler(spanz.AlwaysOff()))
	backend := NewHarness(t, spanz.WithSampler(spanz.ParentBased(spanz.AlwaysOn())))
	srv := newBackend(t, backend)

	call(t, frontend, context.Background(), srv.URL)

	assert.Zero(t, frontend.Recorder.Len())
	assert.Zero(t, backend.Recorder.Len(), "backend must follow the caller's decision")
}

func TestBackendWithoutIncomingTraceStartsRoot(t *testing.T) {
	backend := NewHarness(t, spanz.WithSampler(spanz.ParentBased(spanz.AlwaysOn())))
	srv := newBackend(t, backend)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	server := backend.SpanNamed(t, "backend.handle")
	assert.True(t, server.IsRoot())
	assert.False(t, server.RemoteParent)
	assert.Empty(t, server.Baggage)
}

func TestBaggageSurvivesMultipleHops(t *testing.T) {
	edge := NewHarness(t)
	middle := NewHarness(t)
	last := NewHarness(t)

	lastSrv := newBackend(t, last)
	middleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagation.ExtractHTTP(r.Context(), r.Header)
		ctx = spanz.WithBaggage(ctx, "hop", "middle")
		ctx, span := middle.Tracer.StartSpan(ctx, "middle.handle")
		defer span.End()

		resp := call(t, middle, ctx, lastSrv.URL)
		w.WriteHeader(resp.StatusCode)
	}))
	t.Cleanup(middleSrv.Close)

	ctx := spanz.WithBaggage(context.Background(), "tenant", "acme")
	ctx, root := edge.Tracer.StartSpan(ctx, "edge.request",
		spanz.WithAttributes(attribute.String("client", "integration")))
	call(t, edge, ctx, middleSrv.URL)
	root.End()

	final := last.SpanNamed(t, "backend.handle")
	assert.Equal(t, root.TraceID(), final.TraceID)
	assert.Equal(t, []spanz.BaggageEntry{
		{Key: "hop", Value: "middle"},
		{Key: "tenant", Value: "acme"},
	}, final.Baggage)
}
