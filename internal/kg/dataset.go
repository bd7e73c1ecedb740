package kg

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/hash"
)

// Split names.
const (
	SplitTrain = "train"
	SplitValid = "valid"
	SplitTest  = "test"
)

// Dataset is a knowledge graph with its train/valid/test partitions.
type Dataset struct {
	Name      string
	Entities  *Dictionary
	Relations *Dictionary
	Train     []Triple
	Valid     []Triple
	Test      []Triple
}

// LoadDataset reads <dir>/<name>/{train,valid,test}.txt. Each line holds
// "head relation tail" separated by tabs or spaces. When entity2id.txt and
// relation2id.txt exist they fix the id assignment; otherwise ids follow
// first appearance across train, valid, test.
func LoadDataset(dir, name string) (*Dataset, error) {
	root := filepath.Join(dir, name)

	entities, fixedEntities, err := loadDictionary(filepath.Join(root, "entity2id.txt"))
	if err != nil {
		return nil, err
	}
	relations, fixedRelations, err := loadDictionary(filepath.Join(root, "relation2id.txt"))
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Name:      name,
		Entities:  entities,
		Relations: relations,
	}

	resolve := func(d *Dictionary, fixed bool, sym, kind string) (int, error) {
		if !fixed {
			return d.Add(sym), nil
		}
		id, ok := d.ID(sym)
		if !ok {
			return 0, errors.DataConsistencyError(fmt.Sprintf("%s %q missing from %s dictionary", kind, sym, kind))
		}
		return id, nil
	}

	splits := []struct {
		name string
		dst  *[]Triple
	}{
		{SplitTrain, &ds.Train},
		{SplitValid, &ds.Valid},
		{SplitTest, &ds.Test},
	}

	for _, sp := range splits {
		path := filepath.Join(root, sp.name+".txt")
		rows, err := readRows(path)
		if err != nil {
			return nil, err
		}

		seen := make(map[Triple]struct{}, len(rows))
		triples := make([]Triple, 0, len(rows))
		for i, row := range rows {
			if len(row) != 3 {
				return nil, errors.DataConsistencyError(
					fmt.Sprintf("%s line %d: want 3 fields, got %d", path, i+1, len(row)))
			}
			h, err := resolve(entities, fixedEntities, row[0], "entity")
			if err != nil {
				return nil, err
			}
			r, err := resolve(relations, fixedRelations, row[1], "relation")
			if err != nil {
				return nil, err
			}
			t, err := resolve(entities, fixedEntities, row[2], "entity")
			if err != nil {
				return nil, err
			}

			tr := Triple{Head: h, Relation: r, Tail: t}
			if _, dup := seen[tr]; dup {
				continue
			}
			seen[tr] = struct{}{}
			triples = append(triples, tr)
		}
		*sp.dst = triples
	}

	return ds, nil
}

// Split returns the named partition.
func (ds *Dataset) Split(name string) ([]Triple, error) {
	switch name {
	case SplitTrain:
		return ds.Train, nil
	case SplitValid:
		return ds.Valid, nil
	case SplitTest:
		return ds.Test, nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown split %q (must be train, valid, or test)", name))
	}
}

// Known builds the known-triple index over train ∪ valid ∪ test.
func (ds *Dataset) Known() *KnownSet {
	return NewKnownSet(ds.Train, ds.Valid, ds.Test)
}

// Fingerprint identifies the exact content and order of a split together
// with the vocabulary sizes.
func Fingerprint(split []Triple, numEntities, numRelations int) string {
	fp := hash.NewFingerprint()
	fp.AddInts(numEntities, numRelations, len(split))
	for _, t := range split {
		fp.AddInts(t.Head, t.Relation, t.Tail)
	}
	return fp.Short(16)
}

// loadDictionary reads "name id" lines. A missing file yields an empty,
// growable dictionary. A leading single-field line (OpenKE count header) is
// skipped. Ids must be exactly 0..n-1.
func loadDictionary(path string) (*Dictionary, bool, error) {
	rows, err := readRows(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDictionary(), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if len(rows) > 0 && len(rows[0]) == 1 {
		rows = rows[1:]
	}

	names := make([]string, len(rows))
	filled := make([]bool, len(rows))
	for i, row := range rows {
		if len(row) != 2 {
			return nil, false, errors.DataConsistencyError(
				fmt.Sprintf("%s line %d: want 2 fields, got %d", path, i+1, len(row)))
		}
		id, err := strconv.Atoi(row[1])
		if err != nil || id < 0 || id >= len(rows) || filled[id] {
			return nil, false, errors.DataConsistencyError(
				fmt.Sprintf("%s line %d: id %q is not a unique value in [0, %d)", path, i+1, row[1], len(rows)))
		}
		names[id] = row[0]
		filled[id] = true
	}

	d := NewDictionary()
	for _, n := range names {
		if _, dup := d.ID(n); dup {
			return nil, false, errors.DataConsistencyError(fmt.Sprintf("%s: duplicate symbol %q", path, n))
		}
		d.Add(n)
	}
	return d, true, nil
}

// readRows returns the non-empty lines of path split into fields. Tabs are
// preferred as separators so symbols may contain spaces.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeNotFound, "open "+path, err)
	}
	defer f.Close()

	var rows [][]string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var fields []string
		if strings.Contains(line, "\t") {
			fields = strings.Split(line, "\t")
			for i := range fields {
				fields[i] = strings.TrimSpace(fields[i])
			}
		} else {
			fields = strings.Fields(line)
		}
		rows = append(rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "read "+path, err)
	}
	return rows, nil
}
