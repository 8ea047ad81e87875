package spanz

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultExportTimeout bounds a single hand-off to the exporter.
const DefaultExportTimeout = 10 * time.Second

// SpanHandler is called when a recording span ends.
type SpanHandler func(span Span)

type handlerEntry struct {
	handler SpanHandler
	id      uint64
	async   bool
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithSampler sets the sampler. The default is ParentBased(AlwaysOn()).
func WithSampler(s Sampler) Option {
	return func(t *Tracer) {
		if s != nil {
			t.sampler = s
		}
	}
}

// WithExporter sets the exporter that receives ended, exported spans.
func WithExporter(e Exporter) Option {
	return func(t *Tracer) { t.exporter = e }
}

// WithClock injects a clock, enabling deterministic tests.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the logger used for export failures and handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithExportTimeout bounds each call to the exporter. Zero or less disables
// the bound.
func WithExportTimeout(d time.Duration) Option {
	return func(t *Tracer) { t.exportTimeout = d }
}

// Tracer starts spans and hands ended ones to the exporter.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers      []handlerEntry
	panicHook     func(handlerID uint64, r interface{})
	workers       *workerPool
	traceIDPool   *IDPool[trace.TraceID]
	spanIDPool    *IDPool[trace.SpanID]
	clock         clockz.Clock
	sampler       Sampler
	exporter      Exporter
	logger        *zap.Logger
	exportTimeout time.Duration
	handlersLock  sync.RWMutex
	idPoolOnce    sync.Once
	nextID        atomic.Uint64
	droppedSpans  atomic.Uint64
	failedExports atomic.Uint64
	closed        atomic.Bool
}

// New creates a tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		handlers:      make([]handlerEntry, 0),
		clock:         clockz.RealClock,
		sampler:       ParentBased(AlwaysOn()),
		logger:        zap.NewNop(),
		exportTimeout: DefaultExportTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sampler returns the configured sampler.
func (t *Tracer) Sampler() Sampler {
	return t.sampler
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		poolSize := runtime.NumCPU() * 100

		t.traceIDPool = NewIDPool(poolSize, func() trace.TraceID {
			var id trace.TraceID
			for !id.IsValid() {
				if _, err := rand.Read(id[:]); err != nil {
					// Fall back to a clock and counter based ID.
					binary.BigEndian.PutUint64(id[:8], uint64(t.clock.Now().UnixNano()))
					binary.BigEndian.PutUint64(id[8:], t.nextID.Add(1))
				}
			}
			return id
		})

		t.spanIDPool = NewIDPool(poolSize, func() trace.SpanID {
			var id trace.SpanID
			for !id.IsValid() {
				if _, err := rand.Read(id[:]); err != nil {
					binary.BigEndian.PutUint64(id[:], uint64(t.clock.Now().UnixNano())^t.nextID.Add(1))
				}
			}
			return id
		})
	})
}

// OnSpanEnd registers a synchronous handler called when recording spans end,
// whether or not they are exported.
func (t *Tracer) OnSpanEnd(handler SpanHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnSpanEndAsync registers an asynchronous handler called when recording
// spans end.
func (t *Tracer) OnSpanEndAsync(handler SpanHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler SpanHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
// Without a hook the panic is logged.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// SpanOption configures StartSpan.
type SpanOption func(*spanConfig)

type spanConfig struct {
	startTime  time.Time
	attributes []attribute.KeyValue
	newRoot    bool
}

// WithAttributes sets attributes at start. Samplers see them.
func WithAttributes(kvs ...attribute.KeyValue) SpanOption {
	return func(c *spanConfig) { c.attributes = append(c.attributes, kvs...) }
}

// WithNewRoot starts a new trace even when ctx holds a span. Baggage is kept.
func WithNewRoot() SpanOption {
	return func(c *spanConfig) { c.newRoot = true }
}

// WithStartTime overrides the start time.
func WithStartTime(ts time.Time) SpanOption {
	return func(c *spanConfig) { c.startTime = ts }
}

// StartSpan starts a span as a child of the span current in ctx and returns
// a derived context in which the new span is current. ctx itself is not
// modified.
//
// When the sampler drops the span it is non-recording: the returned span
// accepts every call as a no-op, but still carries IDs so that children
// stay in the same trace.
func (t *Tracer) StartSpan(ctx context.Context, name Key, opts ...SpanOption) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg spanConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parent := FromContext(ctx)
	if cfg.newRoot {
		parent = parent.detached()
	}

	traceID := parent.TraceID()
	parentID := parent.SpanID()
	if !traceID.IsValid() {
		traceID = t.generateTraceID()
		parentID = trace.SpanID{}
	}

	decision := t.sampler.ShouldSample(SamplingParameters{
		Parent:     parent,
		Name:       name,
		Attributes: cfg.attributes,
		TraceID:    traceID,
	})

	start := cfg.startTime
	if start.IsZero() {
		start = t.clock.Now()
	}
	// A child never starts before its local parent.
	if parent.span != nil {
		if ps := parent.span.StartTime(); start.Before(ps) {
			start = ps
		}
	}

	span := &ActiveSpan{
		tracer:    t,
		recording: decision.Record,
		sampled:   decision.Export,
		span: Span{
			TraceID:      traceID,
			SpanID:       t.generateSpanID(),
			ParentID:     parentID,
			RemoteParent: parent.IsRemote(),
			Name:         name,
			StartTime:    start,
		},
	}

	if decision.Record {
		span.span.Baggage = parent.BaggageEntries()
		if len(cfg.attributes) > 0 {
			_ = span.SetAttributes(cfg.attributes...)
		}
	}

	return ContextWithTrace(ctx, parent.WithSpan(span)), span
}

// ScopedSpan ties a span to a lexical scope. Close ends the span exactly
// once; the caller's context is never modified, so the previous current
// span is back in effect as soon as the scope's context goes out of use.
type ScopedSpan struct {
	ctx  context.Context
	span *ActiveSpan
}

// StartScopedSpan starts a span for use with defer:
//
//	scope := tracer.StartScopedSpan(ctx, "devide zero")
//	defer scope.Close()
func (t *Tracer) StartScopedSpan(ctx context.Context, name Key, opts ...SpanOption) *ScopedSpan {
	scopedCtx, span := t.StartSpan(ctx, name, opts...)
	return &ScopedSpan{ctx: scopedCtx, span: span}
}

// Context returns the context in which the scoped span is current.
func (s *ScopedSpan) Context() context.Context { return s.ctx }

// Span returns the scoped span.
func (s *ScopedSpan) Span() *ActiveSpan { return s.span }

// Close ends the span. Safe to call more than once.
func (s *ScopedSpan) Close() time.Time { return s.span.End() }

// Trace runs fn inside a scoped span. An error returned by fn, or a panic,
// is recorded as an escaped exception with Error status before the span
// ends. The error is returned unchanged and a panic is re-raised after the
// span has ended.
func (t *Tracer) Trace(ctx context.Context, name Key, fn func(ctx context.Context, span *ActiveSpan) error, opts ...SpanOption) (err error) {
	scope := t.StartScopedSpan(ctx, name, opts...)

	defer func() {
		if r := recover(); r != nil {
			perr := panicError(r)
			_ = scope.span.RecordException(perr, Escaped())
			_ = scope.span.SetStatus(codes.Error, perr.Error())
			scope.Close()
			panic(r)
		}
		scope.Close()
	}()

	if err = fn(scope.ctx, scope.span); err != nil {
		_ = scope.span.RecordException(err, Escaped())
		_ = scope.span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// finishSpan runs handlers and applies the export decision.
func (t *Tracer) finishSpan(span Span, export bool) {
	if t.closed.Load() {
		t.droppedSpans.Add(1)
		return
	}

	t.executeHandlers(span)

	if export {
		t.export(span)
	}
}

// export hands one span to the exporter. Failures stay here.
func (t *Tracer) export(span Span) {
	if t.exporter == nil {
		return
	}

	ctx := context.Background()
	if t.exportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.exportTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			t.failedExports.Add(1)
			t.logger.Error("span exporter panicked",
				zap.Any("panic", r),
				zap.String("span", span.Name),
				zap.Stringer("trace_id", span.TraceID),
			)
		}
	}()

	if err := t.exporter.Export(ctx, []Span{span}); err != nil {
		t.failedExports.Add(1)
		t.logger.Warn("span export failed",
			zap.Error(&ExportError{Spans: 1, Err: err}),
			zap.String("span", span.Name),
			zap.Stringer("trace_id", span.TraceID),
			zap.Stringer("span_id", span.SpanID),
		)
	}
}

// executeHandlers calls all registered handlers with the completed span.
func (t *Tracer) executeHandlers(span Span) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	workers := t.workers
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			entry := h
			if workers != nil {
				workers.submit(func() {
					t.safeCall(entry, span)
				})
			} else {
				go t.safeCall(entry, span)
			}
		} else {
			t.safeCall(h, span)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, span Span) {
	defer func() {
		if r := recover(); r != nil {
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()

			if hook != nil {
				hook(entry.id, r)
				return
			}
			t.logger.Error("span handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("panic", r),
			)
		}
	}()
	entry.handler(span)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedSpans,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedSpans returns the number of spans dropped because the worker queue
// was full or the tracer was shut down.
func (t *Tracer) DroppedSpans() uint64 {
	return t.droppedSpans.Load()
}

// FailedExports returns the number of failed exporter calls.
func (t *Tracer) FailedExports() uint64 {
	return t.failedExports.Load()
}

// Shutdown stops handlers and workers, then flushes and shuts down the
// exporter. Spans ending afterwards are dropped. Safe to call more than once.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	if workers != nil {
		workers.shutdown()
	}

	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}

	var errs []error
	if f, ok := t.exporter.(Flusher); ok {
		errs = append(errs, f.Flush(ctx))
	}
	if s, ok := t.exporter.(Shutdowner); ok {
		errs = append(errs, s.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (t *Tracer) generateTraceID() trace.TraceID {
	t.ensureIDPools()
	return t.traceIDPool.Get()
}

func (t *Tracer) generateSpanID() trace.SpanID {
	t.ensureIDPools()
	return t.spanIDPool.Get()
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
