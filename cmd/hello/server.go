package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/internal/hello"
	"github.com/zoobzio/spanz/logging"
	"github.com/zoobzio/spanz/propagation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Response headers set on every invocation.
const (
	InvocationIDHeader = "X-Invocation-Id"
	XRayHeader         = "X-Amzn-Trace-Id"
)

const maxEventBytes = 1 << 20

// invoker runs one handler invocation per request inside an "invocation"
// span that continues any trace found in the request headers.
type invoker struct {
	handler *hello.Handler
	tracer  *spanz.Tracer
	logger  *zap.Logger
}

func newMux(h *hello.Handler, tracer *spanz.Tracer, gatherer prometheus.Gatherer, logger *zap.Logger, clock clockz.Clock) http.Handler {
	router := mux.NewRouter()
	router.Handle("/invoke", &invoker{handler: h, tracer: tracer, logger: logger}).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return alice.New(recoverPanics(logger), accessLog(logger, clock)).Then(router)
}

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *zap.Logger, clock clockz.Clock) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clock.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", clock.Since(start)),
			)
		})
	}
}

func recoverPanics(logger *zap.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (i *invoker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev hello.Event
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, "read event", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "event must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	id := ksuid.New().String()
	ctx := propagation.ExtractHTTP(r.Context(), r.Header)
	ctx = spanz.WithBaggage(ctx, "invocation.id", id)

	ctx, span := i.tracer.StartSpan(ctx, "invocation", spanz.WithAttributes(attribute.String("faas.execution", id)))
	defer func() {
		if rec := recover(); rec != nil {
			perr, ok := rec.(error)
			if !ok {
				perr = fmt.Errorf("panic: %v", rec)
			}
			_ = span.RecordException(perr, spanz.Escaped())
			_ = span.SetStatus(codes.Error, perr.Error())
			span.End()
			panic(rec)
		}
	}()

	w.Header().Set(InvocationIDHeader, id)
	if xray := propagation.XRayTraceID(span.TraceID()); xray != "" {
		w.Header().Set(XRayHeader, "Root="+xray)
	}

	resp, err := i.handler.Handle(ctx, ev)
	switch {
	case err != nil:
		_ = spanz.RecordError(span, err, "invocation failed")
		logging.WithTrace(ctx, i.logger).Error("invocation failed", zap.Error(err))
	case resp.StatusCode >= http.StatusInternalServerError:
		_ = span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	// Ended before the response is written.
	span.End()

	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"errorMessage": err.Error(),
			"errorType":    "Unhandled",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
