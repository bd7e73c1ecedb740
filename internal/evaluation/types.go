// Package evaluation implements the filtered link-prediction ranking
// protocol: candidate generation, chunked scoring, stable ranking and
// metric aggregation over shards.
package evaluation

import (
	"fmt"
	"strings"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Protocol decides where the gold triple is reinserted into its filtered
// candidate list.
type Protocol string

const (
	ProtocolTop    Protocol = "top"
	ProtocolBottom Protocol = "bottom"
	ProtocolRandom Protocol = "random"
)

// ParseProtocol validates an eval_type value.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProtocolTop, ProtocolBottom, ProtocolRandom:
		return p, nil
	default:
		return "", errors.ConfigError(fmt.Sprintf("unsupported eval type %q (must be top, bottom, or random)", s)).
			WithDetail("eval_type", s)
	}
}

// ChunkSize is the number of candidates sent to the scorer per call:
// batchSize * (int(negRatio) + 1).
func ChunkSize(batchSize int, negRatio float64) (int, error) {
	if batchSize < 1 {
		return 0, errors.ConfigError(fmt.Sprintf("batch size must be positive, got %d", batchSize))
	}
	if negRatio < 0 {
		return 0, errors.ConfigError(fmt.Sprintf("neg ratio must not be negative, got %v", negRatio))
	}
	return batchSize * (int(negRatio) + 1), nil
}

// CandidateBatch is the filtered candidate list for one test triple and
// mode, with the gold triple at Gold.
type CandidateBatch struct {
	Triples []kg.Triple
	Gold    int
}

// RankOutcome is the result of ranking one test triple in one mode.
type RankOutcome struct {
	// Index is the triple's position in the evaluated split.
	Index  int
	Triple kg.Triple
	Mode   kg.Mode
	// Gold is the gold triple's pre-sort position in the candidate list.
	Gold int
	// Rank is 1-based.
	Rank   int
	Scores []float64
}

// Partial holds one shard's metric sums, kept per corruption mode.
type Partial struct {
	Shard int     `json:"shard"`
	Head  Metrics `json:"head"`
	Tail  Metrics `json:"tail"`
	// Count is the number of test triples the shard covered. Zero when
	// the source format does not record it.
	Count int `json:"count,omitempty"`
}

// Total sums both modes.
func (p Partial) Total() Metrics {
	return p.Head.Add(p.Tail)
}

// Mode returns a pointer to the accumulator for mode.
func (p *Partial) Mode(m kg.Mode) *Metrics {
	if m == kg.ModeHead {
		return &p.Head
	}
	return &p.Tail
}
