// Package kg holds the knowledge-graph data model: triples, corruption modes,
// symbol dictionaries, the known-triple index and dataset loading.
package kg

import "fmt"

// Triple is a (head, relation, tail) fact over integer ids.
// Entity and relation ids live in separate id spaces.
type Triple struct {
	Head     int
	Relation int
	Tail     int
}

func (t Triple) String() string {
	return fmt.Sprintf("(%d, %d, %d)", t.Head, t.Relation, t.Tail)
}

// Mode selects which side of a triple is corrupted.
type Mode int

const (
	// ModeHead replaces the head entity.
	ModeHead Mode = iota
	// ModeTail replaces the tail entity.
	ModeTail
)

// Modes lists corruption modes in evaluation order: head first, then tail.
var Modes = []Mode{ModeHead, ModeTail}

func (m Mode) String() string {
	switch m {
	case ModeHead:
		return "head"
	case ModeTail:
		return "tail"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Corrupt returns t with the corrupted side replaced by entity.
func (m Mode) Corrupt(t Triple, entity int) Triple {
	if m == ModeHead {
		t.Head = entity
	} else {
		t.Tail = entity
	}
	return t
}
