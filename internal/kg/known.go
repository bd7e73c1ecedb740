package kg

// KnownSet is the set of triples known to be true. It is built once and only
// read during an evaluation run, so it is safe for concurrent readers.
type KnownSet struct {
	set map[Triple]struct{}
}

// NewKnownSet builds the union of the given splits.
func NewKnownSet(splits ...[]Triple) *KnownSet {
	n := 0
	for _, s := range splits {
		n += len(s)
	}

	ks := &KnownSet{set: make(map[Triple]struct{}, n)}
	for _, s := range splits {
		for _, t := range s {
			ks.set[t] = struct{}{}
		}
	}
	return ks
}

// Contains reports whether t is a known triple.
func (ks *KnownSet) Contains(t Triple) bool {
	_, ok := ks.set[t]
	return ok
}

// Len returns the number of distinct known triples.
func (ks *KnownSet) Len() int {
	return len(ks.set)
}
