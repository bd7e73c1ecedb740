// Package bus carries evaluation progress events between shard workers
// and aggregators.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "eval.shard.completed").
	Type string `json:"type"`

	// Source is the process that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data. After a trip through a remote bus it
	// is a generic JSON value; use DecodePayload to read it.
	Payload any `json:"payload"`
}

// Topics.
const (
	TopicShardCompleted = "eval.shard.completed"
)

// ShardCompleted is published when a shard's partial metrics are saved.
type ShardCompleted struct {
	Model       string             `json:"model"`
	Index       string             `json:"index"`
	Protocol    string             `json:"protocol"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Shard       int                `json:"shard"`
	NumSplits   int                `json:"num_splits"`
	Triples     int                `json:"triples"`
	Head        evaluation.Metrics `json:"head"`
	Tail        evaluation.Metrics `json:"tail"`
	DurationMs  int64              `json:"duration_ms"`
}

// Run identifies the evaluation the shard belongs to.
func (s ShardCompleted) Run() string {
	return fmt.Sprintf("%s-%s/%s", s.Model, s.Index, s.Protocol)
}

// NewShardCompletedEvent wraps payload in an event.
func NewShardCompletedEvent(source string, payload ShardCompleted) Event {
	now := time.Now()
	return Event{
		ID:        fmt.Sprintf("%s/%d/%d", payload.Run(), payload.Shard, now.UnixNano()),
		Type:      TopicShardCompleted,
		Source:    source,
		Timestamp: now.UnixMilli(),
		Payload:   payload,
	}
}

// DecodePayload converts event.Payload into v, whether it holds the
// original value or its decoded JSON form.
func DecodePayload(event Event, v any) error {
	raw, err := sonic.Marshal(event.Payload)
	if err != nil {
		return errors.Wrap(errors.CodeValidation, "encode event payload", err)
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.CodeValidation, "decode event payload", err)
	}
	return nil
}
