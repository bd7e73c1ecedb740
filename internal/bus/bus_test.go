package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkrank/linkrank/internal/config"
	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for events")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		err := bus.Publish(context.Background(), "test.topic", Event{
			ID:   "test-" + string(rune('0'+i)),
			Type: "test",
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitOrFail(t, &wg)

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d events, want 3", got)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count1.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count2.Add(1)
		wg.Done()
		return nil
	})

	wg.Add(2)
	bus.Publish(context.Background(), "test.topic", Event{ID: "test", Type: "test"})
	waitOrFail(t, &wg)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("Expected both subscribers to receive 1 event, got %d and %d", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Publish(context.Background(), "empty.topic", Event{ID: "test", Type: "test"}); err != nil {
		t.Errorf("Publish() to empty topic error = %v", err)
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	bus.SetLogger(logger.Discard())
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := bus.Publish(context.Background(), "t", Event{}); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("Publish() after Close() error = %v", err)
	}
	if err := bus.Subscribe(context.Background(), "t", func(context.Context, Event) error { return nil }); err == nil {
		t.Error("Subscribe() after Close() should fail")
	}
}

func TestMemoryBus_CloseWaitsForHandlers(t *testing.T) {
	bus := NewMemoryBus()

	var finished atomic.Bool
	bus.Subscribe(context.Background(), "slow", func(context.Context, Event) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	bus.Publish(context.Background(), "slow", Event{ID: "x"})
	bus.Close()

	if !finished.Load() {
		t.Error("Close() returned before in-flight handler finished")
	}
}

func TestDecodePayload(t *testing.T) {
	want := ShardCompleted{
		Model: "wn18rr", Index: "200", Protocol: "random",
		Shard: 3, NumSplits: 8, Triples: 388,
		Head: evaluation.Metrics{MR: 10, MRR: 0.5},
	}
	event := NewShardCompletedEvent("worker-1", want)
	if event.Type != TopicShardCompleted || event.ID == "" || event.Timestamp == 0 {
		t.Errorf("event = %+v", event)
	}

	var got ShardCompleted
	if err := DecodePayload(event, &got); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if got != want {
		t.Errorf("DecodePayload() = %+v, want %+v", got, want)
	}

	// a payload that went through JSON arrives as a generic map
	generic := Event{Payload: map[string]any{"model": "fb", "shard": float64(2)}}
	if err := DecodePayload(generic, &got); err != nil {
		t.Fatal(err)
	}
	if got.Model != "fb" || got.Shard != 2 {
		t.Errorf("DecodePayload(map) = %+v", got)
	}
}

func TestCompletionWaiter(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	w := NewCompletionWaiter("wn18rr", "200", "random", 3)
	if err := w.Subscribe(ctx, bus); err != nil {
		t.Fatal(err)
	}

	w.Mark(0)
	publish := func(model string, shard int) {
		bus.Publish(ctx, TopicShardCompleted, NewShardCompletedEvent("test", ShardCompleted{
			Model: model, Index: "200", Protocol: "random", Shard: shard, NumSplits: 3,
		}))
	}
	publish("other-model", 1)
	bus.Publish(ctx, TopicShardCompleted, NewShardCompletedEvent("test", ShardCompleted{
		Model: "wn18rr", Index: "200", Protocol: "random", Shard: 1, NumSplits: 4,
	}))
	publish("wn18rr", 1)
	publish("wn18rr", 1)
	publish("wn18rr", 2)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(w.Missing()) != 0 {
		t.Errorf("Missing() = %v", w.Missing())
	}
}

func TestCompletionWaiter_Timeout(t *testing.T) {
	w := NewCompletionWaiter("m", "1", "top", 4)
	w.Mark(0)
	w.Mark(2)
	w.Mark(9) // out of range, ignored

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Wait(ctx)
	if !errors.IsMissingShard(err) {
		t.Fatalf("Wait() error = %v, want missing shard", err)
	}
	if m := w.Missing(); len(m) != 2 || m[0] != 1 || m[1] != 3 {
		t.Errorf("Missing() = %v, want [1 3]", m)
	}
}

func TestNewBus(t *testing.T) {
	b, err := NewBus(config.BusConfig{Type: "memory"}, logger.Discard())
	if err != nil {
		t.Fatalf("NewBus(memory) error = %v", err)
	}
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("NewBus(memory) = %T", b)
	}
	b.Close()

	logged, err := NewBus(config.BusConfig{Type: "memory", EventLog: t.TempDir() + "/events.log"}, logger.Discard())
	if err != nil {
		t.Fatalf("NewBus(memory+log) error = %v", err)
	}
	if _, ok := logged.(*LoggedBus); !ok {
		t.Errorf("NewBus with event log = %T, want *LoggedBus", logged)
	}
	logged.Close()

	if _, err := NewBus(config.BusConfig{Type: "kafka"}, nil); err == nil {
		t.Error("NewBus(kafka) without brokers should fail")
	}
	if _, err := NewBus(config.BusConfig{Type: "nats"}, nil); err == nil {
		t.Error("NewBus(nats) should fail")
	}
}
