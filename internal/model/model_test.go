package model

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

func ones(n int) []float64 {
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = 1
	}
	return ys
}

func TestAdapter_Contract(t *testing.T) {
	echo := ScorerFunc(func(_ context.Context, batch []kg.Triple, _ []float64) ([]float64, error) {
		out := make([]float64, len(batch))
		for i, tr := range batch {
			out[i] = float64(tr.Tail)
		}
		return out, nil
	})
	a := NewAdapter(echo, 4)
	ctx := context.Background()

	batch := []kg.Triple{{0, 0, 1}, {0, 0, 2}, {0, 0, 3}}
	scores, err := a.Score(ctx, batch, ones(3))
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	for i, s := range scores {
		if s != float64(batch[i].Tail) {
			t.Errorf("scores[%d] = %v, want %v (order must be preserved)", i, s, batch[i].Tail)
		}
	}

	tests := []struct {
		name   string
		batch  []kg.Triple
		labels []float64
	}{
		{"empty batch", nil, nil},
		{"over max batch", make([]kg.Triple, 5), ones(5)},
		{"label mismatch", batch, ones(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Score(ctx, tt.batch, tt.labels); !errors.IsModel(err) {
				t.Errorf("Score() error = %v, want model error", err)
			}
		})
	}

	if st := a.Stats(); st.Calls != 1 || st.Candidates != 3 {
		t.Errorf("Stats() = %+v, want 1 call / 3 candidates", st)
	}
	if a.MaxBatch() != 4 {
		t.Errorf("MaxBatch() = %d, want 4", a.MaxBatch())
	}
}

func TestAdapter_LengthMismatchIsFatal(t *testing.T) {
	short := ScorerFunc(func(_ context.Context, batch []kg.Triple, _ []float64) ([]float64, error) {
		return make([]float64, len(batch)-1), nil
	})
	a := NewAdapter(short, 0)

	_, err := a.Score(context.Background(), []kg.Triple{{0, 0, 0}, {0, 0, 1}}, ones(2))
	if !errors.IsModel(err) {
		t.Fatalf("Score() error = %v, want model error", err)
	}
	if !strings.Contains(err.Error(), "1 scores for 2 triples") {
		t.Errorf("error should describe the mismatch, got %v", err)
	}
}

func TestAdapter_WrapsScorerFailure(t *testing.T) {
	failing := ScorerFunc(func(context.Context, []kg.Triple, []float64) ([]float64, error) {
		return nil, os.ErrClosed
	})
	_, err := NewAdapter(failing, 0).Score(context.Background(), []kg.Triple{{}}, ones(1))
	if !errors.IsModel(err) {
		t.Fatalf("Score() error = %v, want model error", err)
	}
}

func TestSerialized(t *testing.T) {
	var inside, maxInside atomic.Int32
	slow := ScorerFunc(func(_ context.Context, batch []kg.Triple, _ []float64) ([]float64, error) {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		inside.Add(-1)
		return make([]float64, len(batch)), nil
	})
	s := NewSerialized(slow)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Score(context.Background(), []kg.Triple{{}}, ones(1))
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent calls = %d, want 1", maxInside.Load())
	}
}

func testEmbeddings() *Embeddings {
	return &Embeddings{
		Dim: 2,
		Entity: [][]float64{
			{0, 0},
			{1, 0},
			{1, 1},
		},
		Relation: [][]float64{
			{1, 0},
		},
	}
}

func TestTransE(t *testing.T) {
	emb := testEmbeddings()
	ctx := context.Background()

	l1, err := NewTransE(emb, 1)
	if err != nil {
		t.Fatal(err)
	}
	scores, err := l1.Score(ctx, []kg.Triple{{0, 0, 1}, {0, 0, 2}, {1, 0, 0}}, ones(3))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 2}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("L1 scores[%d] = %v, want %v", i, scores[i], want[i])
		}
	}

	l2, _ := NewTransE(emb, 2)
	scores, _ = l2.Score(ctx, []kg.Triple{{1, 0, 0}}, ones(1))
	if scores[0] != 2 {
		t.Errorf("L2 score = %v, want 2", scores[0])
	}

	if _, err := NewTransE(emb, 3); !errors.IsConfig(err) {
		t.Errorf("NewTransE(norm=3) error = %v, want config error", err)
	}
	if _, err := l1.Score(ctx, []kg.Triple{{0, 0, 7}}, ones(1)); !errors.IsModel(err) {
		t.Errorf("out of range entity error = %v, want model error", err)
	}
	if _, err := l1.Score(ctx, []kg.Triple{{0, 3, 1}}, ones(1)); !errors.IsModel(err) {
		t.Errorf("out of range relation error = %v, want model error", err)
	}
}

func TestDistMult(t *testing.T) {
	m := NewDistMult(testEmbeddings())

	scores, err := m.Score(context.Background(), []kg.Triple{{1, 0, 2}, {0, 0, 2}}, ones(2))
	if err != nil {
		t.Fatal(err)
	}
	if scores[0] != -1 {
		t.Errorf("scores[0] = %v, want -1", scores[0])
	}
	if scores[1] != 0 {
		t.Errorf("scores[1] = %v, want 0", scores[1])
	}
}

func testDataset() *kg.Dataset {
	ents := kg.NewDictionary()
	for _, n := range []string{"a", "b", "c"} {
		ents.Add(n)
	}
	rels := kg.NewDictionary()
	rels.Add("r")
	return &kg.Dataset{Name: "toy", Entities: ents, Relations: rels}
}

func TestCheckpoint_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	ds := testDataset()

	c := NewCheckpoint(dir, "toy", "200")
	if !strings.HasSuffix(c.Prefix, filepath.Join("runs", "toy", "checkpoints", "model-200")) {
		t.Errorf("Prefix = %s", c.Prefix)
	}

	if _, err := ResolveCheckpoint(dir, "toy", "200"); !errors.IsNotFound(err) {
		t.Fatalf("ResolveCheckpoint() before save error = %v, want not found", err)
	}

	if err := SaveCheckpoint(c, CheckpointMeta{Kind: KindTransE, Dim: 2, Norm: 1}, testEmbeddings(), ds); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	resolved, err := ResolveCheckpoint(dir, "toy", "200")
	if err != nil {
		t.Fatalf("ResolveCheckpoint() error = %v", err)
	}

	scorer, err := LoadCheckpoint(resolved, ds)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	scores, err := scorer.Score(context.Background(), []kg.Triple{{0, 0, 1}, {1, 0, 0}}, ones(2))
	if err != nil {
		t.Fatal(err)
	}
	if scores[0] != 0 || scores[1] != 2 {
		t.Errorf("scores = %v, want [0 2]", scores)
	}
}

func TestCheckpoint_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	ds := testDataset()
	c := NewCheckpoint(dir, "toy", "1")
	if err := SaveCheckpoint(c, CheckpointMeta{Kind: KindDistMult, Dim: 2}, testEmbeddings(), ds); err != nil {
		t.Fatal(err)
	}

	write := func(path, content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	valid := "E a 0 0\nE b 1 0\nE c 1 1\nR r 1 0\n"

	tests := []struct {
		name    string
		meta    string
		vectors string
		check   func(error) bool
	}{
		{"unknown entity symbol", "kind: distmult\ndim: 2\n", valid + "E zz 0 0\n", errors.IsDataConsistency},
		{"unknown relation symbol", "kind: distmult\ndim: 2\n", valid + "R zz 0 0\n", errors.IsDataConsistency},
		{"unknown tag", "kind: distmult\ndim: 2\n", valid + "W a 0 0\n", errors.IsDataConsistency},
		{"missing entity vector", "kind: distmult\ndim: 2\n", "E a 0 0\nE b 1 0\nR r 1 0\n", errors.IsDataConsistency},
		{"dimension mismatch", "kind: distmult\ndim: 3\n", valid, errors.IsModel},
		{"bad value", "kind: distmult\ndim: 2\n", "E a x 0\n", errors.IsModel},
		{"unknown kind", "kind: rescal\ndim: 2\n", valid, errors.IsConfig},
		{"zero dim", "kind: transe\n", valid, errors.IsModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			write(c.MetaPath(), tt.meta)
			write(c.VectorsPath(), tt.vectors)
			if _, err := LoadCheckpoint(c, ds); !tt.check(err) {
				t.Errorf("LoadCheckpoint() error = %v", err)
			}
		})
	}
}

func TestEmbeddings_NormIsFinite(t *testing.T) {
	m, _ := NewTransE(testEmbeddings(), 2)
	scores, _ := m.Score(context.Background(), []kg.Triple{{2, 0, 0}}, ones(1))
	if math.IsNaN(scores[0]) || math.IsInf(scores[0], 0) {
		t.Errorf("score = %v, want finite", scores[0])
	}
}
