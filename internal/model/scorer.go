// Package model adapts trained knowledge-graph embedding models to the
// evaluator. Scores follow one convention everywhere: lower is more plausible.
package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Scorer maps a batch of triples to one plausibility score per triple, in
// order. labels is part of the model call signature and is not used for
// ranking.
type Scorer interface {
	Score(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error) {
	return f(ctx, batch, labels)
}

// Stats counts scoring traffic through an Adapter.
type Stats struct {
	Calls      int64 `json:"calls"`
	Candidates int64 `json:"candidates"`
}

// Adapter enforces the scoring contract around an opaque model: bounded
// non-empty batches in, exactly one score per triple out. Any violation is a
// MODEL_ERROR; nothing is truncated or padded.
type Adapter struct {
	scorer   Scorer
	maxBatch int

	calls      atomic.Int64
	candidates atomic.Int64
}

// NewAdapter wraps scorer. maxBatch <= 0 disables the size bound.
func NewAdapter(scorer Scorer, maxBatch int) *Adapter {
	return &Adapter{scorer: scorer, maxBatch: maxBatch}
}

// MaxBatch returns the configured batch bound (0 when unbounded).
func (a *Adapter) MaxBatch() int {
	if a.maxBatch < 0 {
		return 0
	}
	return a.maxBatch
}

// Score validates and forwards one batch.
func (a *Adapter) Score(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error) {
	if len(batch) == 0 {
		return nil, errors.ModelError("empty scoring batch", nil)
	}
	if a.maxBatch > 0 && len(batch) > a.maxBatch {
		return nil, errors.ModelError(fmt.Sprintf("batch of %d exceeds max batch %d", len(batch), a.maxBatch), nil)
	}
	if len(labels) != len(batch) {
		return nil, errors.ModelError(fmt.Sprintf("got %d labels for %d triples", len(labels), len(batch)), nil)
	}

	scores, err := a.scorer.Score(ctx, batch, labels)
	if err != nil {
		if errors.IsModel(err) {
			return nil, err
		}
		return nil, errors.ModelError("scoring call failed", err)
	}
	if len(scores) != len(batch) {
		return nil, errors.ModelError(fmt.Sprintf("model returned %d scores for %d triples", len(scores), len(batch)), nil)
	}

	a.calls.Add(1)
	a.candidates.Add(int64(len(batch)))
	return scores, nil
}

// Stats returns a snapshot of the traffic counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Calls:      a.calls.Load(),
		Candidates: a.candidates.Load(),
	}
}

// Serialized admits one Score call at a time into the wrapped scorer. Use it
// when a single model instance is shared by concurrent callers.
type Serialized struct {
	mu     sync.Mutex
	scorer Scorer
}

// NewSerialized wraps scorer.
func NewSerialized(scorer Scorer) *Serialized {
	return &Serialized{scorer: scorer}
}

// Score forwards under the lock.
func (s *Serialized) Score(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scorer.Score(ctx, batch, labels)
}
