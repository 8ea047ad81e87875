package spanz

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingExporter keeps every batch it receives.
type recordingExporter struct {
	batches [][]Span
	err     error
	mu      sync.Mutex
}

func (r *recordingExporter) Export(_ context.Context, spans []Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make([]Span, len(spans))
	copy(batch, spans)
	r.batches = append(r.batches, batch)
	return r.err
}

func (r *recordingExporter) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingExporter) spans() []Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Span
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *recordingExporter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
