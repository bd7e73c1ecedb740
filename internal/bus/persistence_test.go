package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkrank/linkrank/internal/pkg/logger"
)

func TestEventLogger(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.log")

	t.Run("NewEventLogger_Enabled", func(t *testing.T) {
		l, err := NewEventLogger(logPath, true)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		defer l.Close()

		if !l.IsEnabled() {
			t.Error("Expected logger to be enabled")
		}
	})

	t.Run("NewEventLogger_Disabled", func(t *testing.T) {
		l, err := NewEventLogger(logPath, false)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		defer l.Close()

		if l.IsEnabled() {
			t.Error("Expected logger to be disabled")
		}
		if err := l.Log("test.topic", Event{ID: "noop"}); err != nil {
			t.Fatalf("Log on disabled logger failed: %v", err)
		}
		if _, err := l.GetEvents(time.Time{}, 0); err == nil {
			t.Error("GetEvents on disabled logger should fail")
		}
	})

	t.Run("Log_Enabled", func(t *testing.T) {
		l, err := NewEventLogger(logPath, true)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		defer l.Close()

		event := NewShardCompletedEvent("test", ShardCompleted{Model: "wn18rr", Index: "200", Shard: 1})
		if err := l.Log(TopicShardCompleted, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}

		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			t.Fatal("Log file was not created")
		}
	})

	t.Run("GetEvents", func(t *testing.T) {
		os.Remove(logPath)

		l, err := NewEventLogger(logPath, true)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		defer l.Close()

		now := time.Now()
		for i := 0; i < 5; i++ {
			event := Event{
				ID:        "event-" + string(rune('1'+i)),
				Type:      TopicShardCompleted,
				Source:    "test",
				Timestamp: now.UnixMilli(),
				Payload:   ShardCompleted{Shard: i},
			}
			if err := l.Log(TopicShardCompleted, event); err != nil {
				t.Fatalf("Log failed: %v", err)
			}
		}

		events, err := l.GetEvents(now.Add(-1*time.Minute), 0)
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("Expected 5 events, got %d", len(events))
		}

		var p ShardCompleted
		if err := DecodePayload(events[3].Event, &p); err != nil || p.Shard != 3 {
			t.Errorf("logged payload = %+v, %v; want shard 3", p, err)
		}

		events, err = l.GetEvents(now.Add(-1*time.Minute), 3)
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("Expected 3 events (limit), got %d", len(events))
		}

		events, err = l.GetEvents(time.Now().Add(time.Minute), 0)
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("Expected no events after a future cutoff, got %d", len(events))
		}
	})

	t.Run("Replay", func(t *testing.T) {
		os.Remove(logPath)

		l, err := NewEventLogger(logPath, true)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		defer l.Close()

		now := time.Now()
		for i := 0; i < 3; i++ {
			event := NewShardCompletedEvent("test", ShardCompleted{Model: "m", Index: "1", Protocol: "top", Shard: i, NumSplits: 3})
			if err := l.Log(TopicShardCompleted, event); err != nil {
				t.Fatalf("Log failed: %v", err)
			}
		}

		replayBus := NewMemoryBus()
		defer replayBus.Close()

		ctx := context.Background()
		var eventCount atomic.Int32
		replayBus.Subscribe(ctx, TopicShardCompleted, func(ctx context.Context, event Event) error {
			eventCount.Add(1)
			return nil
		})

		w := NewCompletionWaiter("m", "1", "top", 3)
		if err := w.Subscribe(ctx, replayBus); err != nil {
			t.Fatal(err)
		}

		if err := l.Replay(ctx, replayBus, now.Add(-1*time.Minute)); err != nil {
			t.Fatalf("Replay failed: %v", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := w.Wait(waitCtx); err != nil {
			t.Fatalf("replayed events did not complete the run: %v", err)
		}
		replayBus.DrainTimeout(time.Second)

		if eventCount.Load() != 3 {
			t.Errorf("Expected 3 replayed events, got %d", eventCount.Load())
		}
	})
}

func TestLoggedBus(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logged_bus.log")

	innerBus := NewMemoryBus()

	eventLogger, err := NewEventLogger(logPath, true)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	loggedBus := NewLoggedBus(innerBus, eventLogger, logger.Discard())
	defer loggedBus.Close()

	ctx := context.Background()
	received := make(chan Event, 1)
	loggedBus.Subscribe(ctx, TopicShardCompleted, func(ctx context.Context, event Event) error {
		received <- event
		return nil
	})

	event := Event{ID: "test-pub", Type: TopicShardCompleted, Source: "test"}
	if err := loggedBus.Publish(ctx, TopicShardCompleted, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != "test-pub" {
			t.Errorf("received %s, want test-pub", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered through inner bus")
	}

	events, err := loggedBus.EventLogger().GetEvents(time.Now().Add(-1*time.Minute), 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Event.ID != "test-pub" || events[0].Topic != TopicShardCompleted {
		t.Errorf("logged events = %+v", events)
	}
}
