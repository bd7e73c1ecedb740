// Package shard splits an evaluation split into shards and runs them.
package shard

import (
	"fmt"
	"strconv"

	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Range is a half-open span [Start, End) of split indexes.
type Range struct {
	Start int
	End   int
}

// Len returns the number of triples in r.
func (r Range) Len() int { return r.End - r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Partition returns shard idx of n triples cut into numSplits shards. Every
// shard but the last holds n/numSplits triples; the last takes the rest.
func Partition(n, numSplits, idx int) (Range, error) {
	if numSplits < 1 {
		return Range{}, errors.ConfigError(fmt.Sprintf("num_splits must be positive, got %d", numSplits))
	}
	if idx < 0 || idx >= numSplits {
		return Range{}, errors.ConfigError(fmt.Sprintf("shard index %d outside [0, %d)", idx, numSplits)).
			WithDetail("test_idx", strconv.Itoa(idx))
	}
	if n < 0 {
		return Range{}, errors.ValidationError(fmt.Sprintf("negative split size %d", n))
	}

	b := n / numSplits
	r := Range{Start: b * idx, End: b * (idx + 1)}
	if idx == numSplits-1 {
		r.End = n
	}
	return r, nil
}

// Partitions returns every shard of n triples in index order.
func Partitions(n, numSplits int) ([]Range, error) {
	if numSplits < 1 {
		return nil, errors.ConfigError(fmt.Sprintf("num_splits must be positive, got %d", numSplits))
	}
	out := make([]Range, 0, numSplits)
	for i := 0; i < numSplits; i++ {
		r, err := Partition(n, numSplits, i)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
