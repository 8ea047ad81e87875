package spanz

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is the outcome recorded on a span.
type Status struct {
	Description string
	Code        codes.Code
}

// Event is a timestamped annotation on a span.
type Event struct {
	Time       time.Time
	Name       string
	Attributes []attribute.KeyValue
}

// Exception is an error captured on a span by RecordException.
type Exception struct {
	Time       time.Time
	Type       string
	Message    string
	Stacktrace string
	Attributes []attribute.KeyValue
	Escaped    bool
}

// Span is the frozen record of an ended span, as handed to exporters.
// Exporters must treat it as read-only.
//
//nolint:govet // Field order follows the export layout
type Span struct {
	Attributes map[string]attribute.Value
	Baggage    []BaggageEntry
	Events     []Event
	Exceptions []Exception
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Status     Status
	Name       string
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	ParentID   trace.SpanID
	// RemoteParent is set when ParentID was extracted from another process.
	RemoteParent bool
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return !s.ParentID.IsValid()
}

// Attribute looks up an attribute value.
func (s *Span) Attribute(key string) (attribute.Value, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// clone returns a deep copy so the record can outlive the ActiveSpan.
func (s *Span) clone() Span {
	out := *s
	if s.Attributes != nil {
		out.Attributes = make(map[string]attribute.Value, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	if s.Baggage != nil {
		out.Baggage = append([]BaggageEntry(nil), s.Baggage...)
	}
	if s.Events != nil {
		out.Events = make([]Event, len(s.Events))
		for i, e := range s.Events {
			e.Attributes = append([]attribute.KeyValue(nil), e.Attributes...)
			out.Events[i] = e
		}
	}
	if s.Exceptions != nil {
		out.Exceptions = make([]Exception, len(s.Exceptions))
		for i, e := range s.Exceptions {
			e.Attributes = append([]attribute.KeyValue(nil), e.Attributes...)
			out.Exceptions[i] = e
		}
	}
	return out
}

// ActiveSpan is an open span. Mutators are guarded by a mutex and fail with
// ErrInvalidState once the span has ended. A span dropped by the sampler is
// non-recording: every mutator is a no-op that returns nil.
type ActiveSpan struct {
	tracer    *Tracer
	span      Span
	mu        sync.Mutex
	recording bool
	sampled   bool
	ended     bool
	noop      bool
}

// noopSpan is returned when a context holds no local span.
var noopSpan = &ActiveSpan{noop: true}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() trace.TraceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() trace.SpanID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.SpanID
}

// ParentID returns the parent span ID, zero for a root span.
func (a *ActiveSpan) ParentID() trace.SpanID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.ParentID
}

// Name returns the operation name.
func (a *ActiveSpan) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Name
}

// StartTime returns when the span started.
func (a *ActiveSpan) StartTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.StartTime
}

// IsRecording reports whether the span keeps attributes, events and
// exceptions.
func (a *ActiveSpan) IsRecording() bool {
	return a.recording
}

// Ended reports whether End has been called.
func (a *ActiveSpan) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// Status returns the current status.
func (a *ActiveSpan) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Status
}

// Attribute returns the current value of an attribute.
func (a *ActiveSpan) Attribute(key string) (attribute.Value, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Attribute(key)
}

// Snapshot returns a copy of the span as it stands.
func (a *ActiveSpan) Snapshot() Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}

// guard reports whether a mutation should proceed. It must be called with
// a.mu held.
func (a *ActiveSpan) guard(op string) (bool, error) {
	if a.noop || !a.recording {
		return false, nil
	}
	if a.ended {
		return false, fmt.Errorf("%s on span %q: %w", op, a.span.Name, ErrInvalidState)
	}
	return true, nil
}

// SetAttributes sets attributes on the span. Later writes to the same key
// replace earlier ones.
func (a *ActiveSpan) SetAttributes(kvs ...attribute.KeyValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ok, err := a.guard("set attributes"); !ok {
		return err
	}

	if a.span.Attributes == nil {
		a.span.Attributes = make(map[string]attribute.Value, len(kvs))
	}
	for _, kv := range kvs {
		if !kv.Valid() {
			continue
		}
		a.span.Attributes[string(kv.Key)] = kv.Value
	}
	return nil
}

// SetAttribute sets a single attribute from a scalar value.
func (a *ActiveSpan) SetAttribute(key string, value any) error {
	return a.SetAttributes(toAttribute(key, value))
}

// AddEvent appends an event stamped with the tracer's clock.
func (a *ActiveSpan) AddEvent(name string, attrs ...attribute.KeyValue) error {
	return a.AddEventAt(name, a.now(), attrs...)
}

// AddEventAt appends an event with an explicit timestamp. Events keep call
// order; the timestamp is metadata only.
func (a *ActiveSpan) AddEventAt(name string, ts time.Time, attrs ...attribute.KeyValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ok, err := a.guard("add event"); !ok {
		return err
	}

	a.span.Events = append(a.span.Events, Event{
		Name:       name,
		Time:       ts,
		Attributes: append([]attribute.KeyValue(nil), attrs...),
	})
	return nil
}

// ExceptionOption configures RecordException.
type ExceptionOption func(*Exception)

// Escaped marks the exception as leaving the span's scope.
func Escaped() ExceptionOption {
	return func(e *Exception) { e.Escaped = true }
}

// ExceptionAttributes attaches extra attributes to the exception record.
func ExceptionAttributes(kvs ...attribute.KeyValue) ExceptionOption {
	return func(e *Exception) { e.Attributes = append(e.Attributes, kvs...) }
}

// RecordException appends an exception record for err. It never changes the
// status; call SetStatus separately. A nil err is ignored.
func (a *ActiveSpan) RecordException(err error, opts ...ExceptionOption) error {
	if err == nil {
		return nil
	}
	ts := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if ok, gerr := a.guard("record exception"); !ok {
		return gerr
	}

	exc := Exception{
		Time:       ts,
		Type:       exceptionType(err),
		Message:    err.Error(),
		Stacktrace: stacktrace(err),
	}
	for _, opt := range opts {
		opt(&exc)
	}

	a.span.Exceptions = append(a.span.Exceptions, exc)
	return nil
}

// SetStatus sets the span status. Unset may move to Ok or Error, Ok may be
// raised to Error, and Error is never lowered to Ok. Rejected transitions
// return ErrInvalidStatusTransition and leave the status unchanged.
func (a *ActiveSpan) SetStatus(code codes.Code, description string) error {
	return a.setStatus(code, description, false)
}

// ForceStatus sets the status without the transition check.
func (a *ActiveSpan) ForceStatus(code codes.Code, description string) error {
	return a.setStatus(code, description, true)
}

func (a *ActiveSpan) setStatus(code codes.Code, description string, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ok, err := a.guard("set status"); !ok {
		return err
	}

	current := a.span.Status.Code
	switch code {
	case codes.Unset:
		if current != codes.Unset && !force {
			return fmt.Errorf("%s -> %s: %w", current, code, ErrInvalidStatusTransition)
		}
		a.span.Status = Status{Code: codes.Unset}
	case codes.Ok:
		if current == codes.Error && !force {
			return fmt.Errorf("%s -> %s: %w", current, code, ErrInvalidStatusTransition)
		}
		a.span.Status = Status{Code: codes.Ok}
	case codes.Error:
		a.span.Status = Status{Code: codes.Error, Description: description}
	default:
		return fmt.Errorf("unknown status code %d: %w", uint32(code), ErrInvalidStatusTransition)
	}
	return nil
}

// End finishes the span using the tracer's clock.
func (a *ActiveSpan) End() time.Time {
	return a.EndAt(a.now())
}

// EndAt finishes the span at ts, clamped to the start time. Only the first
// call has an effect: later calls return the recorded end time and never
// trigger a second export.
func (a *ActiveSpan) EndAt(ts time.Time) time.Time {
	if a.noop {
		return time.Time{}
	}

	a.mu.Lock()
	if a.ended {
		end := a.span.EndTime
		a.mu.Unlock()
		return end
	}

	if ts.Before(a.span.StartTime) {
		ts = a.span.StartTime
	}
	a.span.EndTime = ts
	a.span.Duration = ts.Sub(a.span.StartTime)
	a.ended = true

	deliver := a.recording && a.tracer != nil
	var frozen Span
	if deliver {
		frozen = a.span.clone()
	}
	a.mu.Unlock()

	if deliver {
		a.tracer.finishSpan(frozen, a.sampled)
	}
	return ts
}

func (a *ActiveSpan) now() time.Time {
	if a.tracer != nil {
		return a.tracer.clock.Now()
	}
	return time.Now()
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// exceptionType names the innermost error of a wrap chain.
func exceptionType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// stacktrace prefers a stack captured by github.com/pkg/errors and falls
// back to the recording goroutine's stack.
func stacktrace(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	}
	return string(debug.Stack())
}
