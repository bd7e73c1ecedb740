package evaluation

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// NumComponents is the number of fields in a metric record.
const NumComponents = 5

// Metrics holds rank-based sums (or, after normalization, means).
// Component order on disk is MR, MRR, Hits@1, Hits@3, Hits@10.
type Metrics struct {
	MR     float64 `json:"mr"`
	MRR    float64 `json:"mrr"`
	Hits1  float64 `json:"hits1"`
	Hits3  float64 `json:"hits3"`
	Hits10 float64 `json:"hits10"`
}

// AddRank accumulates one 1-based rank.
func (m *Metrics) AddRank(rank int) {
	r := float64(rank)
	m.MR += r
	m.MRR += 1 / r
	if rank <= 1 {
		m.Hits1++
	}
	if rank <= 3 {
		m.Hits3++
	}
	if rank <= 10 {
		m.Hits10++
	}
}

// Add returns the elementwise sum.
func (m Metrics) Add(o Metrics) Metrics {
	v := m.Vector()
	floats.Add(v, o.Vector())
	out, _ := MetricsFromVector(v)
	return out
}

// Vector returns the components in on-disk order.
func (m Metrics) Vector() []float64 {
	return []float64{m.MR, m.MRR, m.Hits1, m.Hits3, m.Hits10}
}

// MetricsFromVector is the inverse of Vector.
func MetricsFromVector(v []float64) (Metrics, error) {
	if len(v) != NumComponents {
		return Metrics{}, errors.ValidationError(fmt.Sprintf("metric record has %d fields, want %d", len(v), NumComponents))
	}
	return Metrics{MR: v[0], MRR: v[1], Hits1: v[2], Hits3: v[3], Hits10: v[4]}, nil
}

// Round rounds every component to the given number of decimals.
func (m Metrics) Round(decimals int) Metrics {
	p := math.Pow(10, float64(decimals))
	v := m.Vector()
	for i := range v {
		v[i] = math.RoundToEven(v[i]*p) / p
	}
	out, _ := MetricsFromVector(v)
	return out
}

// Summary is the final result over a whole split.
type Summary struct {
	// Metrics are means over 2N ranking problems.
	Metrics
	N      int `json:"n"`
	Shards int `json:"shards"`
}

// Aggregate combines the partial sums of shards 0..numSplits-1 into
// means over both corruption modes of n test triples. Every shard must
// be present exactly once.
func Aggregate(parts []Partial, numSplits, n int) (*Summary, error) {
	if numSplits < 1 {
		return nil, errors.ConfigError(fmt.Sprintf("num splits must be positive, got %d", numSplits))
	}
	if n < 1 {
		return nil, errors.ValidationError(fmt.Sprintf("cannot normalize over %d test triples", n))
	}

	// Summing in shard order keeps the result bit-identical however the
	// partials were loaded.
	byShard := make([]Partial, numSplits)
	seen := make([]bool, numSplits)
	for _, p := range parts {
		if p.Shard < 0 || p.Shard >= numSplits {
			return nil, errors.MissingShardError(p.Shard, fmt.Sprintf("shard index outside [0, %d)", numSplits), nil)
		}
		if seen[p.Shard] {
			return nil, errors.MissingShardError(p.Shard, "shard reported twice", nil)
		}
		seen[p.Shard] = true
		byShard[p.Shard] = p
	}
	if i := slices.Index(seen, false); i >= 0 {
		return nil, errors.MissingShardError(i, "no partial metrics for shard", nil)
	}

	sum := make([]float64, NumComponents)
	for _, p := range byShard {
		floats.Add(sum, p.Head.Vector())
		floats.Add(sum, p.Tail.Vector())
	}
	floats.Scale(1/float64(2*n), sum)

	m, _ := MetricsFromVector(sum)
	return &Summary{Metrics: m, N: n, Shards: numSplits}, nil
}

// VectorLine renders the rounded means as "MR MRR Hits@1 Hits@3 Hits@10".
func (s *Summary) VectorLine() string {
	r := s.Round(3)
	return fmt.Sprintf("%.3f %.3f %.3f %.3f %.3f", r.MR, r.MRR, r.Hits1, r.Hits3, r.Hits10)
}

// CSVLine renders the compact "int(MR),MRR,Hits@10,Hits@3,Hits@1" line.
func (s *Summary) CSVLine() string {
	r := s.Round(3)
	return fmt.Sprintf("%d,%.3g,%.3g,%.3g,%.3g", int(r.MR), r.MRR, r.Hits10, r.Hits3, r.Hits1)
}
