package bus

import (
	"context"
	"sync"

	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// CompletionWaiter tracks which shards of one run have reported
// completion.
type CompletionWaiter struct {
	model, index, protocol string
	numSplits              int

	mu   sync.Mutex
	seen map[int]bool
	done chan struct{}
}

// NewCompletionWaiter creates a waiter for shards 0..numSplits-1 of the
// given checkpoint and protocol.
func NewCompletionWaiter(model, index, protocol string, numSplits int) *CompletionWaiter {
	return &CompletionWaiter{
		model:     model,
		index:     index,
		protocol:  protocol,
		numSplits: numSplits,
		seen:      make(map[int]bool),
		done:      make(chan struct{}),
	}
}

// Subscribe registers the waiter on b's completion topic.
func (w *CompletionWaiter) Subscribe(ctx context.Context, b Bus) error {
	return b.Subscribe(ctx, TopicShardCompleted, w.Handle)
}

// Handle records a completion event. Events for other runs, or for the same
// run split a different way, are ignored.
func (w *CompletionWaiter) Handle(_ context.Context, event Event) error {
	var p ShardCompleted
	if err := DecodePayload(event, &p); err != nil {
		return err
	}
	if p.Model != w.model || p.Index != w.index || p.Protocol != w.protocol || p.NumSplits != w.numSplits {
		return nil
	}
	w.Mark(p.Shard)
	return nil
}

// Mark records shard as complete, e.g. when its result is already stored.
func (w *CompletionWaiter) Mark(shard int) {
	if shard < 0 || shard >= w.numSplits {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[shard] {
		return
	}
	w.seen[shard] = true
	if len(w.seen) == w.numSplits {
		close(w.done)
	}
}

// Missing lists shards not yet reported, in ascending order.
func (w *CompletionWaiter) Missing() []int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []int
	for i := 0; i < w.numSplits; i++ {
		if !w.seen[i] {
			out = append(out, i)
		}
	}
	return out
}

// Wait blocks until every shard reported or ctx ends. On timeout the
// first missing shard is reported.
func (w *CompletionWaiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		missing := w.Missing()
		if len(missing) == 0 {
			return nil
		}
		return errors.MissingShardError(missing[0], "shard did not report completion", ctx.Err())
	}
}
