package bus

import (
	"context"

	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// LoggedBus wraps another Bus implementation and logs all events to disk,
// leaving an audit trail of which shards finished and when.
type LoggedBus struct {
	inner       Bus
	eventLogger *EventLogger
	log         *logger.Logger
}

// NewLoggedBus creates a new logged bus that wraps an inner bus.
// Events are logged before being published to the inner bus.
func NewLoggedBus(inner Bus, eventLogger *EventLogger, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{
		inner:       inner,
		eventLogger: eventLogger,
		log:         log,
	}
}

// Publish logs the event and then delegates to the inner bus. A failure
// to log does not block the publish.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.eventLogger.Log(topic, event); err != nil {
		b.log.Warn("Failed to log event to disk",
			"topic", topic,
			"error", err.Error(),
		)
	}

	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// EventLogger returns the underlying event logger.
func (b *LoggedBus) EventLogger() *EventLogger {
	return b.eventLogger
}

// Close closes both the event logger and the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.eventLogger.Close(); err != nil {
		b.log.Warn("Failed to close event logger",
			"error", err.Error(),
		)
	}

	return b.inner.Close()
}
