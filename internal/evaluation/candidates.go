package evaluation

import (
	"math/rand/v2"

	"github.com/linkrank/linkrank/internal/kg"
)

// Generator builds filtered candidate lists. It holds only read-only state
// and may be shared across goroutines.
type Generator struct {
	known    *kg.KnownSet
	entities []int
	protocol Protocol
	seed     uint64
}

// NewGenerator creates a generator over the full entity vocabulary.
func NewGenerator(known *kg.KnownSet, entities []int, protocol Protocol, seed int64) *Generator {
	return &Generator{
		known:    known,
		entities: entities,
		protocol: protocol,
		seed:     uint64(seed),
	}
}

// Protocol returns the insertion policy.
func (g *Generator) Protocol() Protocol {
	return g.protocol
}

// Filter corrupts t with every entity in mode and drops known triples.
// The gold triple is always dropped because it is known.
func (g *Generator) Filter(t kg.Triple, mode kg.Mode) []kg.Triple {
	out := make([]kg.Triple, 0, len(g.entities)+1)
	for _, e := range g.entities {
		c := mode.Corrupt(t, e)
		if g.known.Contains(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Generate returns the filtered candidates for t with t reinserted per the
// protocol. index is t's position in the evaluated split; together with the
// seed and mode it fixes the random insertion point, so reruns and
// different shardings produce identical batches.
func (g *Generator) Generate(t kg.Triple, index int, mode kg.Mode) CandidateBatch {
	filtered := g.Filter(t, mode)

	var pos int
	switch g.protocol {
	case ProtocolTop:
		pos = 0
	case ProtocolBottom:
		pos = len(filtered)
	default:
		pos = g.rng(index, mode).IntN(len(filtered) + 1)
	}

	filtered = append(filtered, kg.Triple{})
	copy(filtered[pos+1:], filtered[pos:])
	filtered[pos] = t

	return CandidateBatch{Triples: filtered, Gold: pos}
}

func (g *Generator) rng(index int, mode kg.Mode) *rand.Rand {
	return rand.New(rand.NewPCG(g.seed, uint64(index)<<1|uint64(mode)))
}
