package benchmarks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/spanz"
)

// BenchmarkCollectorThroughput measures collector intake with a background
// loop batching into a no-op exporter.
func BenchmarkCollectorThroughput(b *testing.B) {
	for _, batch := range []int{1, 64, 512} {
		b.Run(fmt.Sprintf("batch_%d", batch), func(b *testing.B) {
			collector := spanz.NewCollector(discard,
				spanz.WithBatchSize(batch),
				spanz.WithQueueSize(1<<16),
			)
			spans := []spanz.Span{{Name: "collected", StartTime: time.Now()}}

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				_ = collector.Export(context.Background(), spans)
			}

			b.StopTimer()
			_ = collector.Shutdown(context.Background())
			b.ReportMetric(float64(collector.DroppedCount())/float64(b.N), "dropped/op")
		})
	}
}

// BenchmarkCollectorConcurrency measures contention on collector intake.
func BenchmarkCollectorConcurrency(b *testing.B) {
	collector := spanz.NewCollector(discard, spanz.WithQueueSize(1<<16))
	b.Cleanup(func() { _ = collector.Shutdown(context.Background()) })
	spans := []spanz.Span{{Name: "concurrent"}}

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = collector.Export(context.Background(), spans)
		}
	})
}

// BenchmarkFullPipeline measures tracer to collector delivery.
func BenchmarkFullPipeline(b *testing.B) {
	collector := spanz.NewCollector(discard, spanz.WithQueueSize(1<<16))
	tracer := newTracer(b, spanz.WithExporter(collector))

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			ctx1, parent := tracer.StartSpan(ctx, "request")
			_, child := tracer.StartSpan(ctx1, "query")
			_ = child.SetAttribute("db.system", "postgresql")
			child.End()
			parent.End()
		}
	})
}

// BenchmarkSharedSpanContention measures many goroutines writing one span.
func BenchmarkSharedSpanContention(b *testing.B) {
	tracer := newTracer(b)
	_, span := tracer.StartSpan(context.Background(), "shared")
	defer span.End()

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = span.SetAttribute("key", i)
			i++
		}
	})
}

// BenchmarkSyncHandlers measures span end cost with handlers registered.
func BenchmarkSyncHandlers(b *testing.B) {
	for _, n := range []int{0, 1, 8} {
		b.Run(fmt.Sprintf("handlers_%d", n), func(b *testing.B) {
			tracer := newTracer(b)
			for i := 0; i < n; i++ {
				tracer.OnSpanEnd(func(spanz.Span) {})
			}

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				_, span := tracer.StartSpan(context.Background(), "handled")
				span.End()
			}
		})
	}
}

// BenchmarkWorkerPoolHandlers measures async handler dispatch through the
// bounded worker pool.
func BenchmarkWorkerPoolHandlers(b *testing.B) {
	tracer := newTracer(b)
	if err := tracer.EnableWorkerPool(4, 1024); err != nil {
		b.Fatal(err)
	}

	var mu sync.Mutex
	var seen int
	tracer.OnSpanEndAsync(func(spanz.Span) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, span := tracer.StartSpan(context.Background(), "async")
		span.End()
	}

	b.StopTimer()
	b.ReportMetric(float64(tracer.DroppedSpans())/float64(b.N), "dropped/op")
}

// BenchmarkGoroutineScaling measures span throughput as goroutines grow.
func BenchmarkGoroutineScaling(b *testing.B) {
	for _, workers := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("goroutines_%d", workers), func(b *testing.B) {
			tracer := newTracer(b)

			b.ReportAllocs()
			b.ResetTimer()

			var wg sync.WaitGroup
			per := b.N/workers + 1
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < per; i++ {
						_, span := tracer.StartSpan(context.Background(), "scaled")
						span.End()
					}
				}()
			}
			wg.Wait()
		})
	}
}
