// Package spanztest provides an in-memory exporter for asserting on spans
// in tests.
package spanztest

import (
	"context"
	"sync"

	"github.com/zoobzio/spanz"
	"go.opentelemetry.io/otel/trace"
)

// Recorder is a spanz.Exporter that keeps every exported span in memory,
// in export order.
type Recorder struct {
	spans []spanz.Span
	err   error
	calls int
	mu    sync.Mutex
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Export records spans. If an error was set with FailWith, it is returned
// and the spans are not kept.
func (r *Recorder) Export(_ context.Context, spans []spanz.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.err != nil {
		return r.err
	}
	r.spans = append(r.spans, spans...)
	return nil
}

// FailWith makes subsequent Export calls fail with err. A nil err restores
// normal recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Spans returns a copy of the recorded spans.
func (r *Recorder) Spans() []spanz.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]spanz.Span(nil), r.spans...)
}

// Len returns the number of recorded spans.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// Calls returns how many times Export was called.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Named returns the recorded spans called name.
func (r *Recorder) Named(name string) []spanz.Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []spanz.Span
	for _, s := range r.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Trace returns the recorded spans of one trace.
func (r *Recorder) Trace(id trace.TraceID) []spanz.Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []spanz.Span
	for _, s := range r.spans {
		if s.TraceID == id {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
	r.calls = 0
}
