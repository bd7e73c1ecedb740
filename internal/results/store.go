// Package results persists per-shard partial metrics and ranking
// diagnostics.
package results

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Store types.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Key identifies one evaluated checkpoint under one protocol.
type Key struct {
	Checkpoint model.Checkpoint
	Protocol   evaluation.Protocol
	// Fingerprint identifies the evaluated split. Stores that cannot keep
	// it ignore it.
	Fingerprint string
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s/%s", k.Checkpoint.Name, k.Checkpoint.Index, k.Protocol)
}

// Store saves and loads shard partial metrics.
type Store interface {
	SavePartial(ctx context.Context, key Key, p evaluation.Partial) error
	// LoadPartial fails with MISSING_SHARD when the shard is absent,
	// empty or malformed.
	LoadPartial(ctx context.Context, key Key, shard int) (evaluation.Partial, error)
	// Shards lists the shard indexes with a saved record, in no particular
	// order. A listed shard may still fail LoadPartial if its record is
	// malformed.
	Shards(ctx context.Context, key Key) ([]int, error)
	Close() error
}

// NewStore creates a store of the given type.
func NewStore(storeType, redisURL string) (Store, error) {
	switch storeType {
	case StoreFile, "":
		return NewFileStore(), nil
	case StoreRedis:
		s, err := NewRedisStore(redisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown store type %q (must be file or redis)", storeType))
	}
}

// LoadAll loads shards 0..numSplits-1, stopping at the first failure.
func LoadAll(ctx context.Context, s Store, key Key, numSplits int) ([]evaluation.Partial, error) {
	parts := make([]evaluation.Partial, 0, numSplits)
	for i := 0; i < numSplits; i++ {
		p, err := s.LoadPartial(ctx, key, i)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// FormatPartial renders the two-line record: head metrics, then tail
// metrics, five space-separated numbers each.
func FormatPartial(p evaluation.Partial) string {
	var b strings.Builder
	for _, m := range []evaluation.Metrics{p.Head, p.Tail} {
		for i, v := range m.Vector() {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ParsePartial is the inverse of FormatPartial. Blank lines are ignored;
// anything else than exactly two five-field lines is rejected.
func ParsePartial(shard int, text string) (evaluation.Partial, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return evaluation.Partial{}, errors.MissingShardError(shard, "shard output is empty", nil)
	}
	if len(lines) != 2 {
		return evaluation.Partial{}, errors.MissingShardError(shard, fmt.Sprintf("shard output has %d lines, want 2", len(lines)), nil)
	}

	p := evaluation.Partial{Shard: shard}
	for li, dst := range []*evaluation.Metrics{&p.Head, &p.Tail} {
		fields := strings.Fields(lines[li])
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return evaluation.Partial{}, errors.MissingShardError(shard, fmt.Sprintf("line %d: bad value %q", li+1, f), err)
			}
			vals[i] = v
		}
		m, err := evaluation.MetricsFromVector(vals)
		if err != nil {
			return evaluation.Partial{}, errors.MissingShardError(shard, fmt.Sprintf("line %d", li+1), err)
		}
		*dst = m
	}
	return p, nil
}
