package spanz

import (
	"sync"
)

// IDPool manages a pool of pre-generated IDs to amortize crypto/rand overhead.
type IDPool[T any] struct {
	factory func() T
	ids     chan T
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool[T any](capacity int, factory func() T) *IDPool[T] {
	pool := &IDPool[T]{
		ids:     make(chan T, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if the pool is empty.
func (p *IDPool[T]) Get() T {
	select {
	case id := <-p.ids:
		return id
	default:
		// Burst load: generate directly.
		return p.factory()
	}
}

// refill keeps the pool topped up in the background.
func (p *IDPool[T]) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
			select {
			case p.ids <- p.factory():
			case <-p.stopCh:
				return
			}
		}
	}
}

// Close stops the refill goroutine. Get keeps working after Close.
func (p *IDPool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
