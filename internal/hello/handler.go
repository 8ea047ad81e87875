// Package hello is an instrumented request handler: it calls out over HTTP
// inside one span and performs a division that fails inside another,
// recording the failure before the span ends.
package hello

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// Span names.
const (
	RequestSpan = "requests amazon"
	DivideSpan  = "devide zero"
)

// Defaults for Config.
const (
	DefaultURL     = "https://aws.amazon.com/"
	DefaultTimeout = time.Second
	DefaultRoute   = "some_route"
)

// Policy decides how a failed invocation is reported to the runtime.
type Policy int

const (
	// Propagate returns the error to the caller.
	Propagate Policy = iota
	// Structured translates the error into a 500 response.
	Structured
)

func (p Policy) String() string {
	switch p {
	case Propagate:
		return "propagate"
	case Structured:
		return "structured"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "propagate" or "structured".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "propagate", "":
		return Propagate, nil
	case "structured":
		return Structured, nil
	}
	return Propagate, fmt.Errorf("unknown error policy %q", s)
}

// Config controls the handler.
type Config struct {
	URL          string
	Route        string
	Policy       Policy
	Divisor      int
	IncludeStack bool
}

// Event is the invocation payload.
type Event map[string]any

// Response is the structured result of an invocation.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// ZeroDivisionError is raised when the handler divides by zero.
type ZeroDivisionError struct {
	Dividend int
}

func (e *ZeroDivisionError) Error() string {
	return fmt.Sprintf("division by zero: %d / 0", e.Dividend)
}

// Handler is the instrumented invocation entry point.
type Handler struct {
	tracer *spanz.Tracer
	getter Getter
	logger *zap.Logger
	cfg    Config
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithConfig replaces the handler configuration.
func WithConfig(cfg Config) Option {
	return func(h *Handler) { h.cfg = cfg }
}

// NewHandler creates a Handler. A nil getter uses net/http with
// DefaultTimeout.
func NewHandler(tracer *spanz.Tracer, getter Getter, opts ...Option) *Handler {
	if getter == nil {
		getter = NewHTTPGetter(DefaultTimeout)
	}
	h := &Handler{
		tracer: tracer,
		getter: getter,
		logger: zap.NewNop(),
		cfg:    Config{URL: DefaultURL, Route: DefaultRoute},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.URL == "" {
		h.cfg.URL = DefaultURL
	}
	return h
}

// Handle runs one invocation. ctx may already carry the invocation span
// started by the runtime; its route attribute is set there.
func (h *Handler) Handle(ctx context.Context, ev Event) (Response, error) {
	logger := logging.WithTrace(ctx, h.logger).With(zap.String("feature", "hello"))
	logger.Debug("invocation", zap.Any("event", map[string]any(ev)))

	if h.cfg.Route != "" {
		_ = spanz.SpanFromContext(ctx).SetAttributes(semconv.HTTPRoute(h.cfg.Route))
	}

	if err := h.request(ctx, logger); err != nil {
		return h.fail(logger, err)
	}

	q, err := h.divide(ctx)
	if err != nil {
		return h.fail(logger, err)
	}

	body, _ := json.Marshal(map[string]any{"data": q})
	return Response{StatusCode: http.StatusOK, Body: string(body)}, nil
}

func (h *Handler) request(ctx context.Context, logger *zap.Logger) error {
	ctx, span := h.tracer.StartSpan(ctx, RequestSpan,
		spanz.WithAttributes(
			semconv.HTTPMethod(http.MethodGet),
			semconv.HTTPURL(h.cfg.URL),
		),
	)
	defer span.End()

	status, err := h.getter.Get(ctx, h.cfg.URL)
	if err != nil {
		_ = spanz.RecordError(span, err, "failed to make request")
		return pkgerrors.Wrap(err, "failed to make request")
	}

	_ = span.SetAttributes(semconv.HTTPStatusCode(status))
	logger.Info("response", zap.Int("status", status))
	return nil
}

func (h *Handler) divide(ctx context.Context) (int, error) {
	scope := h.tracer.StartScopedSpan(ctx, DivideSpan)
	defer scope.Close()
	span := scope.Span()

	_ = span.AddEvent("event message", attribute.Int("event_attributes", 1))

	q, err := divide(1, h.cfg.Divisor)
	if err != nil {
		_ = span.RecordException(err, spanz.Escaped())
		_ = span.SetStatus(codes.Error, "ZeroDivisionError")
		return 0, err
	}
	return q, nil
}

// fail applies the error policy.
func (h *Handler) fail(logger *zap.Logger, err error) (Response, error) {
	logger.Error("invocation failed", zap.Error(err), zap.Stringer("policy", h.cfg.Policy))

	if h.cfg.Policy == Propagate {
		return Response{}, err
	}

	payload := map[string]string{"message": err.Error()}
	if h.cfg.IncludeStack {
		payload["stack"] = fmt.Sprintf("%+v", pkgerrors.WithStack(err))
	}
	body, _ := json.Marshal(payload)
	return Response{StatusCode: http.StatusInternalServerError, Body: string(body)}, nil
}

// divide turns the runtime's division panic into a *ZeroDivisionError.
func divide(a, b int) (q int, err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtime.Error); ok && strings.Contains(re.Error(), "divide by zero") {
				err = &ZeroDivisionError{Dividend: a}
				return
			}
			panic(r)
		}
	}()
	return a / b, nil
}
