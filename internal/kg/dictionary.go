package kg

// Dictionary maps symbol names to dense ids in insertion order.
type Dictionary struct {
	names []string
	ids   map[string]int
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{ids: make(map[string]int)}
}

// Add returns the id of name, assigning the next free id if it is new.
func (d *Dictionary) Add(name string) int {
	if id, ok := d.ids[name]; ok {
		return id
	}
	id := len(d.names)
	d.names = append(d.names, name)
	d.ids[name] = id
	return id
}

// ID looks up the id of name.
func (d *Dictionary) ID(name string) (int, bool) {
	id, ok := d.ids[name]
	return id, ok
}

// Name returns the symbol for id, or "" when out of range.
func (d *Dictionary) Name(id int) string {
	if id < 0 || id >= len(d.names) {
		return ""
	}
	return d.names[id]
}

// Len returns the number of symbols.
func (d *Dictionary) Len() int {
	return len(d.names)
}

// IDs returns every id in ascending order.
func (d *Dictionary) IDs() []int {
	ids := make([]int, len(d.names))
	for i := range ids {
		ids[i] = i
	}
	return ids
}
