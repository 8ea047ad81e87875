// Package integration exercises spanz end to end: tracers, collectors,
// propagation and exporters wired together the way services use them.
package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/spanztest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Harness is a tracer wired to an in-memory recorder and a fake clock.
type Harness struct {
	Tracer   *spanz.Tracer
	Recorder *spanztest.Recorder
	Clock    *clockz.FakeClock
}

// NewHarness creates a harness. Extra options are applied after the
// defaults; the tracer is shut down when t finishes.
func NewHarness(t *testing.T, opts ...spanz.Option) *Harness {
	t.Helper()
	h := &Harness{
		Recorder: spanztest.NewRecorder(),
		Clock:    clockz.NewFakeClock(),
	}
	base := []spanz.Option{
		spanz.WithExporter(h.Recorder),
		spanz.WithClock(h.Clock),
		spanz.WithSampler(spanz.AlwaysOn()),
	}
	h.Tracer = spanz.New(append(base, opts...)...)
	t.Cleanup(func() { _ = h.Tracer.Shutdown(context.Background()) })
	return h
}

// SpanNamed returns the only recorded span called name.
func (h *Harness) SpanNamed(t *testing.T, name string) spanz.Span {
	t.Helper()
	spans := h.Recorder.Named(name)
	if len(spans) != 1 {
		t.Fatalf("Expected exactly one span named %q, got %d", name, len(spans))
	}
	return spans[0]
}

// SpanTree is a span with its children, ordered by start time.
type SpanTree struct {
	Span     spanz.Span
	Children []*SpanTree
}

// BuildSpanTree arranges spans into trees. Spans whose parent is not in the
// set become roots.
func BuildSpanTree(spans []spanz.Span) []*SpanTree {
	nodes := make(map[trace.SpanID]*SpanTree, len(spans))
	for _, s := range spans {
		nodes[s.SpanID] = &SpanTree{Span: s}
	}

	var roots []*SpanTree
	for _, s := range spans {
		node := nodes[s.SpanID]
		if parent, ok := nodes[s.ParentID]; ok && !s.IsRoot() {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	for _, n := range nodes {
		sortByStart(n.Children)
	}
	sortByStart(roots)
	return roots
}

func sortByStart(nodes []*SpanTree) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Span.StartTime.Before(nodes[j].Span.StartTime)
	})
}

// PrintSpanTree renders trees for failure messages.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	fmt.Fprintf(sb, "%s%s (%v, %s)\n",
		strings.Repeat("  ", depth), node.Span.Name, node.Span.Duration, node.Span.Status.Code)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// TraceAnalyzer answers structural questions about a set of spans.
type TraceAnalyzer struct {
	byID  map[trace.SpanID]spanz.Span
	spans []spanz.Span
	trees []*SpanTree
}

// NewTraceAnalyzer indexes spans.
func NewTraceAnalyzer(spans []spanz.Span) *TraceAnalyzer {
	a := &TraceAnalyzer{
		byID:  make(map[trace.SpanID]spanz.Span, len(spans)),
		spans: spans,
		trees: BuildSpanTree(spans),
	}
	for _, s := range spans {
		a.byID[s.SpanID] = s
	}
	return a
}

// CountSpans returns the number of spans.
func (a *TraceAnalyzer) CountSpans() int { return len(a.spans) }

// CountTrees returns the number of root trees.
func (a *TraceAnalyzer) CountTrees() int { return len(a.trees) }

// Trees returns the root trees.
func (a *TraceAnalyzer) Trees() []*SpanTree { return a.trees }

// VerifyChain checks that names form a parent to child chain.
func (a *TraceAnalyzer) VerifyChain(names ...string) error {
	if len(names) == 0 {
		return nil
	}

	var current *spanz.Span
	for i := range a.spans {
		if a.spans[i].Name == names[0] {
			current = &a.spans[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("span %q not found", names[0])
	}

	for _, name := range names[1:] {
		var next *spanz.Span
		for i := range a.spans {
			if a.spans[i].Name == name && a.spans[i].ParentID == current.SpanID {
				next = &a.spans[i]
				break
			}
		}
		if next == nil {
			return fmt.Errorf("span %q is not a child of %q", name, current.Name)
		}
		current = next
	}
	return nil
}

// CriticalPath returns the root to leaf path with the largest summed
// duration in the first tree.
func (a *TraceAnalyzer) CriticalPath() []spanz.Span {
	if len(a.trees) == 0 {
		return nil
	}
	return a.longestPath(a.trees[0])
}

func (a *TraceAnalyzer) longestPath(node *SpanTree) []spanz.Span {
	var best []spanz.Span
	for _, child := range node.Children {
		path := a.longestPath(child)
		if pathDuration(path) > pathDuration(best) {
			best = path
		}
	}
	return append([]spanz.Span{node.Span}, best...)
}

func pathDuration(path []spanz.Span) time.Duration {
	var total time.Duration
	for _, s := range path {
		total += s.Duration
	}
	return total
}

// MockService simulates a downstream dependency. Calls take a fixed amount
// of fake time and every failEvery-th call fails.
type MockService struct {
	tracer    *spanz.Tracer
	clock     *clockz.FakeClock
	name      string
	latency   time.Duration
	failEvery int
	calls     int
	mu        sync.Mutex
}

// NewMockService creates a service that never fails and takes no time.
func NewMockService(name string, h *Harness) *MockService {
	return &MockService{name: name, tracer: h.Tracer, clock: h.Clock}
}

// SetLatency sets how far the fake clock moves during a call.
func (m *MockService) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetFailEvery makes every n-th call fail. Zero disables failures.
func (m *MockService) SetFailEvery(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failEvery = n
}

// Call runs operation inside a span named "<service>.<operation>".
func (m *MockService) Call(ctx context.Context, operation string) error {
	m.mu.Lock()
	m.calls++
	fail := m.failEvery > 0 && m.calls%m.failEvery == 0
	latency := m.latency
	m.mu.Unlock()

	return m.tracer.Trace(ctx, m.name+"."+operation, func(_ context.Context, span *spanz.ActiveSpan) error {
		_ = span.SetAttributes(
			attribute.String("service.name", m.name),
			attribute.String("operation", operation),
		)
		if latency > 0 {
			m.clock.Advance(latency)
		}
		if fail {
			return fmt.Errorf("%s: %s unavailable", m.name, operation)
		}
		return nil
	})
}
