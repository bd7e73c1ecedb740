package results

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Record is the audit trail of one ranking problem.
type Record struct {
	Index  int       `json:"index"`
	Mode   string    `json:"mode"`
	Triple [3]int    `json:"triple"`
	Gold   int       `json:"gold"`
	Rank   int       `json:"rank"`
	Scores []float64 `json:"scores"`
}

// RecordFromOutcome converts a ranking outcome.
func RecordFromOutcome(o evaluation.RankOutcome) Record {
	return Record{
		Index:  o.Index,
		Mode:   o.Mode.String(),
		Triple: [3]int{o.Triple.Head, o.Triple.Relation, o.Triple.Tail},
		Gold:   o.Gold,
		Rank:   o.Rank,
		Scores: o.Scores,
	}
}

// Trailer closes a diagnostics stream.
type Trailer struct {
	Shard    int                `json:"shard"`
	Protocol string             `json:"protocol"`
	Records  int                `json:"records"`
	Scoring  model.Stats        `json:"scoring"`
	Partial  evaluation.Partial `json:"partial"`
}

// line is one JSON line of the stream; exactly one field is set.
type line struct {
	Record  *Record  `json:"record,omitempty"`
	Trailer *Trailer `json:"trailer,omitempty"`
}

// DiagnosticsWriter streams records as zstd-compressed JSON lines so a
// shard never holds every score vector in memory.
type DiagnosticsWriter struct {
	path    string
	f       *os.File
	zw      *zstd.Encoder
	records int
}

// CreateDiagnostics opens path for writing, truncating it.
func CreateDiagnostics(path string) (*DiagnosticsWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.StorageError("create diagnostics directory", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.StorageError("create diagnostics file", err).WithDetail("path", path)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, errors.InternalError("zstd writer", err)
	}
	return &DiagnosticsWriter{path: path, f: f, zw: zw}, nil
}

// Path returns the file being written.
func (w *DiagnosticsWriter) Path() string { return w.path }

// Write appends one record.
func (w *DiagnosticsWriter) Write(r Record) error {
	if err := w.writeLine(line{Record: &r}); err != nil {
		return err
	}
	w.records++
	return nil
}

// Close writes the trailer and closes the file.
func (w *DiagnosticsWriter) Close(t Trailer) error {
	t.Records = w.records
	err := w.writeLine(line{Trailer: &t})
	if cerr := w.zw.Close(); err == nil && cerr != nil {
		err = errors.StorageError("flush diagnostics", cerr)
	}
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = errors.StorageError("close diagnostics", cerr)
	}
	return err
}

// Abort closes the file without a trailer and removes it.
func (w *DiagnosticsWriter) Abort() {
	w.zw.Close()
	w.f.Close()
	os.Remove(w.path)
}

func (w *DiagnosticsWriter) writeLine(l line) error {
	raw, err := sonic.Marshal(l)
	if err != nil {
		return errors.InternalError("encode diagnostics", err)
	}
	raw = append(raw, '\n')
	if _, err := w.zw.Write(raw); err != nil {
		return errors.StorageError("write diagnostics", err).WithDetail("path", w.path)
	}
	return nil
}

// ReadDiagnostics calls fn for each record in path and returns the
// trailer. A stream without a trailer is reported as incomplete.
func ReadDiagnostics(path string, fn func(Record) error) (*Trailer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeNotFound, "open diagnostics", err).WithDetail("path", path)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, errors.InternalError("zstd reader", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)
	for sc.Scan() {
		var l line
		if err := sonic.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, errors.DataConsistencyError("malformed diagnostics line: " + err.Error())
		}
		switch {
		case l.Trailer != nil:
			return l.Trailer, nil
		case l.Record != nil && fn != nil:
			if err := fn(*l.Record); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.StorageError("read diagnostics", err)
	}
	return nil, errors.DataConsistencyError("diagnostics stream has no trailer: " + path)
}
