package model

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Embeddings are dense vectors indexed by entity and relation id.
type Embeddings struct {
	Dim      int
	Entity   [][]float64
	Relation [][]float64
}

func (e *Embeddings) lookup(t kg.Triple) (h, r, tl []float64, err error) {
	if t.Head < 0 || t.Head >= len(e.Entity) || t.Tail < 0 || t.Tail >= len(e.Entity) {
		return nil, nil, nil, errors.ModelError(fmt.Sprintf("entity id out of range in %v", t), nil)
	}
	if t.Relation < 0 || t.Relation >= len(e.Relation) {
		return nil, nil, nil, errors.ModelError(fmt.Sprintf("relation id out of range in %v", t), nil)
	}
	return e.Entity[t.Head], e.Relation[t.Relation], e.Entity[t.Tail], nil
}

// TransE scores a triple by the translation distance ||h + r - t||_p.
type TransE struct {
	emb  *Embeddings
	norm float64
}

// NewTransE builds a TransE scorer using the L1 (norm=1) or L2 (norm=2) distance.
func NewTransE(emb *Embeddings, norm int) (*TransE, error) {
	if norm != 1 && norm != 2 {
		return nil, errors.ConfigError(fmt.Sprintf("transe norm must be 1 or 2, got %d", norm))
	}
	return &TransE{emb: emb, norm: float64(norm)}, nil
}

// Score implements Scorer.
func (m *TransE) Score(_ context.Context, batch []kg.Triple, _ []float64) ([]float64, error) {
	scores := make([]float64, len(batch))
	buf := make([]float64, m.emb.Dim)

	for i, t := range batch {
		h, r, tl, err := m.emb.lookup(t)
		if err != nil {
			return nil, err
		}
		floats.AddTo(buf, h, r)
		floats.Sub(buf, tl)
		scores[i] = floats.Norm(buf, m.norm)
	}
	return scores, nil
}

// DistMult scores a triple by the negated trilinear product -<h, r, t>.
type DistMult struct {
	emb *Embeddings
}

// NewDistMult builds a DistMult scorer.
func NewDistMult(emb *Embeddings) *DistMult {
	return &DistMult{emb: emb}
}

// Score implements Scorer.
func (m *DistMult) Score(_ context.Context, batch []kg.Triple, _ []float64) ([]float64, error) {
	scores := make([]float64, len(batch))
	buf := make([]float64, m.emb.Dim)

	for i, t := range batch {
		h, r, tl, err := m.emb.lookup(t)
		if err != nil {
			return nil, err
		}
		floats.MulTo(buf, h, r)
		scores[i] = -floats.Dot(buf, tl)
	}
	return scores, nil
}
