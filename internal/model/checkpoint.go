package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Model kinds stored in checkpoint metadata.
const (
	KindTransE   = "transe"
	KindDistMult = "distmult"
)

// Checkpoint identifies one trained snapshot of a model.
type Checkpoint struct {
	Name  string
	Index string
	// Prefix is <run_folder>/runs/<name>/checkpoints/model-<index>. Result
	// files are written next to it with suffixes appended.
	Prefix string
}

// CheckpointMeta is the content of <prefix>.yaml.
type CheckpointMeta struct {
	Kind string `yaml:"kind"`
	Dim  int    `yaml:"dim"`
	Norm int    `yaml:"norm,omitempty"`
}

// NewCheckpoint computes the checkpoint location without touching disk.
func NewCheckpoint(runFolder, name, index string) Checkpoint {
	dir := filepath.Join(runFolder, "runs", name, "checkpoints")
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return Checkpoint{
		Name:   name,
		Index:  index,
		Prefix: filepath.Join(dir, "model-"+index),
	}
}

// MetaPath is the checkpoint metadata file.
func (c Checkpoint) MetaPath() string { return c.Prefix + ".yaml" }

// VectorsPath is the checkpoint vector file.
func (c Checkpoint) VectorsPath() string { return c.Prefix + ".vec" }

// String returns the prefix.
func (c Checkpoint) String() string { return c.Prefix }

// ResolveCheckpoint locates a stored snapshot; a missing one is fatal.
func ResolveCheckpoint(runFolder, name, index string) (Checkpoint, error) {
	c := NewCheckpoint(runFolder, name, index)
	for _, p := range []string{c.MetaPath(), c.VectorsPath()} {
		if _, err := os.Stat(p); err != nil {
			return Checkpoint{}, errors.Wrap(errors.CodeNotFound, "checkpoint "+name+"-"+index+" not found", err).
				WithDetail("path", p)
		}
	}
	return c, nil
}

// LoadCheckpoint reads the snapshot's metadata and vectors and builds a
// scorer for ds's vocabulary. Every vector symbol must be a known entity or
// relation, and every entity and relation must have a vector.
func LoadCheckpoint(c Checkpoint, ds *kg.Dataset) (Scorer, error) {
	raw, err := os.ReadFile(c.MetaPath())
	if err != nil {
		return nil, errors.Wrap(errors.CodeNotFound, "read checkpoint metadata", err)
	}
	var meta CheckpointMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, errors.ModelError("parse checkpoint metadata "+c.MetaPath(), err)
	}
	if meta.Dim < 1 {
		return nil, errors.ModelError(fmt.Sprintf("checkpoint dim must be positive, got %d", meta.Dim), nil)
	}

	emb, err := loadVectors(c.VectorsPath(), meta.Dim, ds)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(meta.Kind) {
	case KindTransE:
		norm := meta.Norm
		if norm == 0 {
			norm = 1
		}
		m, err := NewTransE(emb, norm)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindDistMult:
		return NewDistMult(emb), nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported model kind %q (must be transe or distmult)", meta.Kind))
	}
}

// loadVectors parses "E <name> v1 .. vd" and "R <name> v1 .. vd" lines.
func loadVectors(path string, dim int, ds *kg.Dataset) (*Embeddings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeNotFound, "open checkpoint vectors", err)
	}
	defer f.Close()

	emb := &Embeddings{
		Dim:      dim,
		Entity:   make([][]float64, ds.Entities.Len()),
		Relation: make([][]float64, ds.Relations.Len()),
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+2 {
			return nil, errors.ModelError(fmt.Sprintf("%s line %d: want %d values, got %d", path, line, dim, len(fields)-2), nil)
		}

		vec := make([]float64, dim)
		for i, s := range fields[2:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.ModelError(fmt.Sprintf("%s line %d: bad value %q", path, line, s), err)
			}
			vec[i] = v
		}

		sym := fields[1]
		switch fields[0] {
		case "E":
			id, ok := ds.Entities.ID(sym)
			if !ok {
				return nil, errors.DataConsistencyError(fmt.Sprintf("vector symbol %q is not a known entity", sym))
			}
			emb.Entity[id] = vec
		case "R":
			id, ok := ds.Relations.ID(sym)
			if !ok {
				return nil, errors.DataConsistencyError(fmt.Sprintf("vector symbol %q is not a known relation", sym))
			}
			emb.Relation[id] = vec
		default:
			return nil, errors.DataConsistencyError(
				fmt.Sprintf("%s line %d: symbol %q is neither an entity nor a relation (tag %q)", path, line, sym, fields[0]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.InternalError("read checkpoint vectors", err)
	}

	for id, v := range emb.Entity {
		if v == nil {
			return nil, errors.DataConsistencyError(fmt.Sprintf("entity %q has no vector", ds.Entities.Name(id)))
		}
	}
	for id, v := range emb.Relation {
		if v == nil {
			return nil, errors.DataConsistencyError(fmt.Sprintf("relation %q has no vector", ds.Relations.Name(id)))
		}
	}

	return emb, nil
}

// SaveCheckpoint writes a snapshot in the layout LoadCheckpoint reads.
func SaveCheckpoint(c Checkpoint, meta CheckpointMeta, emb *Embeddings, ds *kg.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(c.Prefix), 0755); err != nil {
		return errors.StorageError("create checkpoint directory", err)
	}

	raw, err := yaml.Marshal(meta)
	if err != nil {
		return errors.InternalError("encode checkpoint metadata", err)
	}
	if err := os.WriteFile(c.MetaPath(), raw, 0644); err != nil {
		return errors.StorageError("write checkpoint metadata", err)
	}

	f, err := os.Create(c.VectorsPath())
	if err != nil {
		return errors.StorageError("create checkpoint vectors", err)
	}
	w := bufio.NewWriter(f)

	writeVec := func(tag, name string, vec []float64) {
		w.WriteString(tag)
		w.WriteByte(' ')
		w.WriteString(name)
		for _, v := range vec {
			w.WriteByte(' ')
			w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	for id, vec := range emb.Entity {
		writeVec("E", ds.Entities.Name(id), vec)
	}
	for id, vec := range emb.Relation {
		writeVec("R", ds.Relations.Name(id), vec)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return errors.StorageError("write checkpoint vectors", err)
	}
	if err := f.Close(); err != nil {
		return errors.StorageError("close checkpoint vectors", err)
	}
	return nil
}
