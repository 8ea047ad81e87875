package spanz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Collector defaults.
const (
	DefaultBatchSize     = 512
	DefaultQueueSize     = 2048
	DefaultFlushInterval = 5 * time.Second
)

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithBatchSize sets how many spans are sent per downstream call.
func WithBatchSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithQueueSize sets the capacity of the intake queue. Spans arriving while
// it is full are dropped.
func WithQueueSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is sent. Zero or less
// disables timed flushing.
func WithFlushInterval(d time.Duration) CollectorOption {
	return func(c *Collector) { c.flushInterval = d }
}

// WithCollectorClock injects the clock driving timed flushes.
func WithCollectorClock(clock clockz.Clock) CollectorOption {
	return func(c *Collector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCollectorLogger sets the logger for failed batches.
func WithCollectorLogger(l *zap.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSyncMode makes the collector buffer on the caller's goroutine with no
// intake queue or background loop. Used for deterministic tests.
func WithSyncMode() CollectorOption {
	return func(c *Collector) { c.syncMode = true }
}

type flushRequest struct {
	ctx  context.Context
	done chan error
}

// Collector batches spans in front of a downstream Exporter. It is itself an
// Exporter, so it can be handed to a Tracer directly.
//
// Export never blocks: spans go onto a bounded queue and are dropped when
// the queue is full. A failed batch is counted and discarded; it does not
// affect later batches.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	exporter      Exporter
	clock         clockz.Clock
	logger        *zap.Logger
	buffer        []Span
	spansCh       chan Span
	flushCh       chan flushRequest
	stopCh        chan struct{}
	done          chan struct{}
	finalErr      error
	batchSize     int
	queueSize     int
	flushInterval time.Duration
	droppedCount  atomic.Int64
	failedCount   atomic.Int64
	exportedCount atomic.Int64
	mu            sync.Mutex
	sendMu        sync.RWMutex
	closed        bool
	syncMode      bool
}

// NewCollector creates a collector forwarding to exporter.
func NewCollector(exporter Exporter, opts ...CollectorOption) *Collector {
	c := &Collector{
		exporter:      exporter,
		clock:         clockz.RealClock,
		logger:        zap.NewNop(),
		batchSize:     DefaultBatchSize,
		queueSize:     DefaultQueueSize,
		flushInterval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.buffer = make([]Span, 0, min(c.batchSize, 8)) // Start with small capacity.

	if !c.syncMode {
		c.spansCh = make(chan Span, c.queueSize)
		c.flushCh = make(chan flushRequest)
		c.stopCh = make(chan struct{})
		c.done = make(chan struct{})
		go c.run()
	}
	return c
}

// run is the collector's main loop.
func (c *Collector) run() {
	defer close(c.done)

	var tick <-chan time.Time
	if c.flushInterval > 0 {
		tick = c.clock.After(c.flushInterval)
	}

	for {
		select {
		case span := <-c.spansCh:
			c.add(span)
		case <-tick:
			c.drain()
			_ = c.flush(context.Background())
			tick = c.clock.After(c.flushInterval)
		case req := <-c.flushCh:
			c.drain()
			req.done <- c.flush(req.ctx)
		case <-c.stopCh:
			// Drain remaining spans before shutdown.
			c.drain()
			c.finalErr = c.flush(context.Background())
			return
		}
	}
}

// drain moves everything queued into the buffer.
func (c *Collector) drain() {
	for {
		select {
		case span := <-c.spansCh:
			c.add(span)
		default:
			return
		}
	}
}

// Export queues spans for batching. It never blocks and never fails; spans
// that do not fit are counted as dropped.
func (c *Collector) Export(_ context.Context, spans []Span) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	for i := range spans {
		if c.closed {
			c.droppedCount.Add(1)
			continue
		}

		if c.syncMode {
			c.add(spans[i])
			continue
		}

		select {
		case c.spansCh <- spans[i]:
		default:
			c.droppedCount.Add(1)
		}
	}
	return nil
}

// add buffers a span and sends the batch once it is full.
func (c *Collector) add(span Span) {
	c.mu.Lock()
	c.buffer = append(c.buffer, span)
	var full []Span
	if len(c.buffer) >= c.batchSize {
		full = c.takeLocked()
	}
	c.mu.Unlock()

	if full != nil {
		_ = c.send(context.Background(), full)
	}
}

func (c *Collector) takeLocked() []Span {
	batch := c.buffer
	c.buffer = make([]Span, 0, c.batchSize)
	return batch
}

func (c *Collector) flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.takeLocked()
	c.mu.Unlock()

	return c.send(ctx, batch)
}

// send forwards one batch downstream.
func (c *Collector) send(ctx context.Context, batch []Span) error {
	if c.exporter == nil {
		c.droppedCount.Add(int64(len(batch)))
		return nil
	}

	if err := c.exporter.Export(ctx, batch); err != nil {
		c.failedCount.Add(int64(len(batch)))
		c.logger.Warn("span batch export failed",
			zap.Int("spans", len(batch)),
			zap.Error(err),
		)
		return &ExportError{Spans: len(batch), Err: err}
	}

	c.exportedCount.Add(int64(len(batch)))
	return nil
}

// Flush sends everything buffered or queued and waits for the downstream
// call to return.
func (c *Collector) Flush(ctx context.Context) error {
	if c.syncMode {
		return c.flush(ctx)
	}

	req := flushRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case c.flushCh <- req:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, sends what is left and shuts the downstream
// exporter down if it supports it.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return nil
	}
	c.closed = true
	c.sendMu.Unlock()

	var err error
	if c.syncMode {
		err = c.flush(ctx)
	} else {
		close(c.stopCh)
		select {
		case <-c.done:
			err = c.finalErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s, ok := c.exporter.(Shutdowner); ok {
		if serr := s.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// Count returns the number of spans currently buffered.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// DroppedCount returns the number of spans dropped under backpressure or
// after shutdown.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// FailedCount returns the number of spans lost in failed batches.
func (c *Collector) FailedCount() int64 {
	return c.failedCount.Load()
}

// ExportedCount returns the number of spans delivered downstream.
func (c *Collector) ExportedCount() int64 {
	return c.exportedCount.Load()
}

// Reset clears buffered spans and counters. Does not stop the collector.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = c.buffer[:0]
	c.droppedCount.Store(0)
	c.failedCount.Store(0)
	c.exportedCount.Store(0)
}
