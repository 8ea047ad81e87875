package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/internal/hello"
	"github.com/zoobzio/spanz/spanzprom"
	"github.com/zoobzio/spanz/spanztest"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	traceHex = "5b8efff798038103d269b633813fc60c"
	spanHex  = "eee19b7ec3c1b174"
)

type fixture struct {
	server   *httptest.Server
	recorder *spanztest.Recorder
}

func newFixture(t *testing.T, policy hello.Policy) *fixture {
	t.Helper()
	getter := hello.GetterFunc(func(context.Context, string) (int, error) { return http.StatusOK, nil })
	return newFixtureWith(t, policy, getter, zap.NewNop(), clockz.NewFakeClock())
}

func newFixtureWith(t *testing.T, policy hello.Policy, getter hello.Getter, logger *zap.Logger, clock clockz.Clock) *fixture {
	t.Helper()

	rec := spanztest.NewRecorder()
	reg := prometheus.NewRegistry()
	metrics, err := spanzprom.New("spanz", reg)
	require.NoError(t, err)

	tracer := spanz.New(spanz.WithExporter(metrics.WrapExporter(rec)))
	metrics.Observe(tracer)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	h := hello.NewHandler(tracer, getter, hello.WithConfig(hello.Config{Policy: policy, Route: "some_route"}))

	srv := httptest.NewServer(newMux(h, tracer, reg, logger, clock))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, recorder: rec}
}

func (f *fixture) invoke(t *testing.T, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/invoke", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestInvokeStructured(t *testing.T) {
	f := newFixture(t, hello.Structured)

	resp := f.invoke(t, `{"path":"/"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "message")

	id, err := ksuid.Parse(resp.Header.Get(InvocationIDHeader))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Header.Get(XRayHeader), "Root=1-"))

	spans := f.recorder.Spans()
	require.Len(t, spans, 3)
	assert.Equal(t, hello.RequestSpan, spans[0].Name)
	assert.Equal(t, hello.DivideSpan, spans[1].Name)

	root := spans[2]
	assert.Equal(t, "invocation", root.Name)
	assert.Equal(t, codes.Error, root.Status.Code)
	exec, _ := root.Attribute("faas.execution")
	assert.Equal(t, id.String(), exec.AsString())

	for _, s := range spans[:2] {
		assert.Equal(t, root.SpanID, s.ParentID)
		require.Len(t, s.Baggage, 1)
		assert.Equal(t, id.String(), s.Baggage[0].Value)
	}
}

func TestInvokeContinuesRemoteTrace(t *testing.T) {
	f := newFixture(t, hello.Structured)

	h := http.Header{}
	h.Set("traceparent", "00-"+traceHex+"-"+spanHex+"-01")
	resp := f.invoke(t, "", h)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Root=1-5b8efff7-98038103d269b633813fc60c", resp.Header.Get(XRayHeader))

	spans := f.recorder.Named("invocation")
	require.Len(t, spans, 1)
	assert.Equal(t, traceHex, spans[0].TraceID.String())
	assert.Equal(t, spanHex, spans[0].ParentID.String())
}

func TestInvokePropagate(t *testing.T) {
	f := newFixture(t, hello.Propagate)

	resp := f.invoke(t, "{}", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["errorMessage"], "division by zero")

	root := f.recorder.Named("invocation")
	require.Len(t, root, 1)
	assert.Equal(t, codes.Error, root[0].Status.Code)
	assert.Len(t, root[0].Exceptions, 1)
}

func TestInvokeRejectsBadRequests(t *testing.T) {
	f := newFixture(t, hello.Structured)

	resp := f.invoke(t, "not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(f.server.URL + "/invoke")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)

	assert.Zero(t, f.recorder.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, hello.Structured)
	f.invoke(t, "", nil)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), `spanz_spans_ended_total{span="devide zero",status="Error"} 1`)
	assert.Contains(t, sb.String(), "spanz_spans_exported_total 3")
}

func TestInvokeEndsSpanWhenHandlerPanics(t *testing.T) {
	getter := hello.GetterFunc(func(context.Context, string) (int, error) { panic("boom") })
	f := newFixtureWith(t, hello.Structured, getter, zap.NewNop(), clockz.NewFakeClock())

	resp := f.invoke(t, "{}", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	request := f.recorder.Named(hello.RequestSpan)
	require.Len(t, request, 1)

	root := f.recorder.Named("invocation")
	require.Len(t, root, 1)
	assert.Equal(t, codes.Error, root[0].Status.Code)
	assert.Equal(t, "panic: boom", root[0].Status.Description)
	require.Len(t, root[0].Exceptions, 1)
	assert.True(t, root[0].Exceptions[0].Escaped)
	assert.Equal(t, root[0].SpanID, request[0].ParentID)
}

func TestAccessLogUsesInjectedClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	getter := hello.GetterFunc(func(context.Context, string) (int, error) {
		clock.Advance(250 * time.Millisecond)
		return http.StatusOK, nil
	})
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixtureWith(t, hello.Structured, getter, zap.New(core), clock)

	f.invoke(t, "{}", nil)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, 250*time.Millisecond, fields["duration"])
	assert.Equal(t, int64(http.StatusInternalServerError), fields["status"])
	assert.Equal(t, "/invoke", fields["path"])
}
