package results

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

func testKey(t *testing.T) Key {
	t.Helper()
	return Key{
		Checkpoint:  model.NewCheckpoint(t.TempDir(), "wn18rr", "200"),
		Protocol:    evaluation.ProtocolRandom,
		Fingerprint: "abc123",
	}
}

func TestShardPath(t *testing.T) {
	key := testKey(t)
	got := ShardPath(key, 3)
	want := key.Checkpoint.Prefix + ".eval_random.3.txt"
	if got != want {
		t.Errorf("ShardPath() = %s, want %s", got, want)
	}
	if !strings.HasSuffix(DiagnosticsPath(key, 3), "model-200.eval_random.3.json.zst") {
		t.Errorf("DiagnosticsPath() = %s", DiagnosticsPath(key, 3))
	}
}

func TestFormatParsePartial(t *testing.T) {
	p := evaluation.Partial{
		Shard: 2,
		Head:  evaluation.Metrics{MR: 10, MRR: 0.5833333333333333, Hits1: 1, Hits3: 2, Hits10: 4},
		Tail:  evaluation.Metrics{MR: 12, MRR: 0.25, Hits10: 3},
	}
	text := FormatPartial(p)
	if strings.Count(text, "\n") != 2 {
		t.Fatalf("FormatPartial() should write two lines, got %q", text)
	}
	if !strings.HasPrefix(text, "10 0.5833333333333333 1 2 4\n") {
		t.Errorf("head line = %q", strings.SplitN(text, "\n", 2)[0])
	}

	got, err := ParsePartial(2, text)
	if err != nil {
		t.Fatalf("ParsePartial() error = %v", err)
	}
	if got.Head != p.Head || got.Tail != p.Tail || got.Shard != 2 {
		t.Errorf("ParsePartial() = %+v, want %+v", got, p)
	}
}

func TestParsePartial_Tolerated(t *testing.T) {
	// trailing spaces and blank lines as older writers produced them
	text := "10.0 0.5 1.0 2.0 4.0 \n\n12.0 0.25 0.0 0.0 3.0 \n"
	p, err := ParsePartial(0, text)
	if err != nil {
		t.Fatalf("ParsePartial() error = %v", err)
	}
	if p.Tail.MR != 12 || p.Head.Hits10 != 4 {
		t.Errorf("ParsePartial() = %+v", p)
	}
}

func TestParsePartial_Malformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", " \n\n"},
		{"one line", "1 2 3 4 5\n"},
		{"three lines", "1 2 3 4 5\n1 2 3 4 5\n1 2 3 4 5\n"},
		{"four fields", "1 2 3 4\n1 2 3 4 5\n"},
		{"not a number", "1 2 3 4 x\n1 2 3 4 5\n"},
		{"nan", "1 2 3 4 NaN\n1 2 3 4 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePartial(4, tt.text); !errors.IsMissingShard(err) {
				t.Errorf("ParsePartial() error = %v, want missing shard error", err)
			}
		})
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	s := NewFileStore()
	defer s.Close()

	for i := 0; i < 3; i++ {
		p := evaluation.Partial{Shard: i, Head: evaluation.Metrics{MR: float64(10 + i)}, Tail: evaluation.Metrics{MR: 12}}
		if err := s.SavePartial(ctx, key, p); err != nil {
			t.Fatalf("SavePartial(%d) error = %v", i, err)
		}
	}

	parts, err := LoadAll(ctx, s, key, 3)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(parts) != 3 || parts[2].Head.MR != 12 {
		t.Errorf("LoadAll() = %+v", parts)
	}

	if _, err := os.Stat(ShardPath(key, 0) + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestFileStore_Shards(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	s := NewFileStore()

	shards, err := s.Shards(ctx, key)
	if err != nil || len(shards) != 0 {
		t.Fatalf("Shards() on empty dir = %v, %v", shards, err)
	}

	for _, i := range []int{0, 2, 11} {
		if err := s.SavePartial(ctx, key, evaluation.Partial{Shard: i}); err != nil {
			t.Fatal(err)
		}
	}
	// neither counts as a shard record
	if err := os.WriteFile(DiagnosticsPath(key, 5), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ShardPath(key, 6)+".tmp", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	other := key
	other.Protocol = evaluation.ProtocolBottom
	if err := s.SavePartial(ctx, other, evaluation.Partial{Shard: 3}); err != nil {
		t.Fatal(err)
	}

	shards, err = s.Shards(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(shards)
	if !slices.Equal(shards, []int{0, 2, 11}) {
		t.Errorf("Shards() = %v, want [0 2 11]", shards)
	}
}

func TestFileStore_MissingAndEmpty(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	s := NewFileStore()

	if err := s.SavePartial(ctx, key, evaluation.Partial{Shard: 0}); err != nil {
		t.Fatal(err)
	}

	_, err := LoadAll(ctx, s, key, 2)
	if !errors.IsMissingShard(err) {
		t.Fatalf("LoadAll() error = %v, want missing shard error", err)
	}

	if err := os.WriteFile(ShardPath(key, 1), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPartial(ctx, key, 1); !errors.IsMissingShard(err) {
		t.Errorf("LoadPartial(empty) error = %v, want missing shard error", err)
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreFile, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("NewStore(file) = %T", s)
	}
	if _, err := NewStore("s3", ""); !errors.IsConfig(err) {
		t.Errorf("NewStore(s3) error = %v, want config error", err)
	}
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	if _, err := NewRedisStore("invalid://url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestRedisStore_SaveLoad(t *testing.T) {
	s, err := NewRedisStore("redis://localhost:6379/15")
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := testKey(t)
	defer s.client.Del(ctx, s.hashKey(key))

	p := evaluation.Partial{Shard: 1, Head: evaluation.Metrics{MR: 7, MRR: 0.5}, Tail: evaluation.Metrics{MR: 9}}
	if err := s.SavePartial(ctx, key, p); err != nil {
		t.Fatalf("SavePartial() error = %v", err)
	}

	got, err := s.LoadPartial(ctx, key, 1)
	if err != nil {
		t.Fatalf("LoadPartial() error = %v", err)
	}
	if got.Head != p.Head || got.Tail != p.Tail {
		t.Errorf("LoadPartial() = %+v, want %+v", got, p)
	}

	if _, err := s.LoadPartial(ctx, key, 0); !errors.IsMissingShard(err) {
		t.Errorf("LoadPartial(0) error = %v, want missing shard error", err)
	}

	other := key
	other.Fingerprint = "different"
	if _, err := s.LoadPartial(ctx, other, 1); !errors.IsMissingShard(err) {
		t.Errorf("partials must not leak across fingerprints, err = %v", err)
	}

	shards, err := s.Shards(ctx, key)
	if err != nil || len(shards) != 1 || shards[0] != 1 {
		t.Errorf("Shards() = %v, %v", shards, err)
	}
}

func TestDiagnostics_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "diag.json.zst")
	w, err := CreateDiagnostics(path)
	if err != nil {
		t.Fatal(err)
	}

	outcomes := []evaluation.RankOutcome{
		{Index: 0, Triple: kg.Triple{Head: 1, Relation: 0, Tail: 2}, Mode: kg.ModeHead, Gold: 1, Rank: 2, Scores: []float64{2, 1, 1, 3}},
		{Index: 0, Triple: kg.Triple{Head: 1, Relation: 0, Tail: 2}, Mode: kg.ModeTail, Gold: 0, Rank: 1, Scores: []float64{0.5}},
	}
	for _, o := range outcomes {
		if err := w.Write(RecordFromOutcome(o)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(Trailer{Shard: 3, Protocol: "random", Scoring: model.Stats{Calls: 2, Candidates: 5}}); err != nil {
		t.Fatal(err)
	}

	var got []Record
	trailer, err := ReadDiagnostics(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadDiagnostics() error = %v", err)
	}
	if trailer.Records != 2 || trailer.Shard != 3 || trailer.Scoring.Candidates != 5 {
		t.Errorf("trailer = %+v", trailer)
	}
	if len(got) != 2 || got[0].Mode != "head" || got[0].Gold != 1 || len(got[0].Scores) != 4 || got[1].Triple != [3]int{1, 0, 2} {
		t.Errorf("records = %+v", got)
	}
}

func TestDiagnostics_Abort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.json.zst")
	w, err := CreateDiagnostics(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(Record{Index: 1})
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("aborted diagnostics file should be removed, stat err = %v", err)
	}
	if _, err := ReadDiagnostics(path, nil); !errors.IsNotFound(err) {
		t.Errorf("ReadDiagnostics() error = %v, want not found", err)
	}
}
