package spanz

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIDPoolBasicOperation(t *testing.T) {
	pool := NewIDPool(10, func() string { return "test-id" })
	defer pool.Close()

	if id := pool.Get(); id != "test-id" {
		t.Errorf("Expected 'test-id', got %s", id)
	}
}

func TestIDPoolGeneratesDirectlyWhenEmpty(t *testing.T) {
	var calls atomic.Int64
	pool := NewIDPool(1, func() int64 { return calls.Add(1) })
	defer pool.Close()

	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		id := pool.Get()
		if seen[id] {
			t.Fatalf("Duplicate id %d", id)
		}
		seen[id] = true
	}

	if calls.Load() < 50 {
		t.Errorf("Expected at least 50 factory calls, got %d", calls.Load())
	}
}

func TestIDPoolConcurrentAccess(t *testing.T) {
	var counter atomic.Uint64
	pool := NewIDPool(100, func() uint64 { return counter.Add(1) })
	defer pool.Close()

	const goroutines, perGoroutine = 20, 200
	results := make(chan uint64, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				results <- pool.Get()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for id := range results {
		if seen[id] {
			t.Fatalf("Duplicate id %d under concurrency", id)
		}
		seen[id] = true
	}
}

func TestIDPoolCloseStopsRefill(t *testing.T) {
	before := runtime.NumGoroutine()

	pool := NewIDPool(4, func() int { return 1 })
	pool.Close()
	pool.Close()

	waitFor(t, time.Second, func() bool {
		return runtime.NumGoroutine() <= before
	})

	if pool.Get() != 1 {
		t.Error("Get must keep working after Close")
	}
}
