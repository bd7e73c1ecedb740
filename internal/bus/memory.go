package bus

import (
	"context"
	"sync"
	"time"

	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// MemoryBus is an in-process event bus. It connects shard workers and an
// aggregator running in the same process.
type MemoryBus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	closed     bool
	log        *logger.Logger
	inflightWg sync.WaitGroup
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		log:      logger.Default(),
	}
}

// SetLogger replaces the logger used for handler failures.
func (b *MemoryBus) SetLogger(log *logger.Logger) {
	if log != nil {
		b.log = log
	}
}

// Publish fans event out to all subscribers of topic. Handlers run
// asynchronously; their errors are logged, not returned.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.ServiceUnavailableError("bus")
	}

	handlers, ok := b.handlers[topic]
	if !ok || len(handlers) == 0 {
		return nil
	}

	for _, handler := range handlers {
		b.inflightWg.Add(1)
		go func(h Handler) {
			defer b.inflightWg.Done()
			if err := h(ctx, event); err != nil {
				b.log.Warn("bus handler failed", "topic", topic, "event", event.ID, "error", err.Error())
			}
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ServiceUnavailableError("bus")
	}

	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close closes the bus, waiting up to ten seconds for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.DrainTimeout(10 * time.Second) {
		b.log.Warn("bus drain timeout reached, some handlers may not have completed")
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	return nil
}

// DrainTimeout waits for in-flight handlers to complete with custom timeout.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
