package results

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// FileStore keeps each shard's partial metrics in a text file next to the
// checkpoint: <prefix>.eval_<protocol>.<shard>.txt.
type FileStore struct{}

// NewFileStore creates a file store.
func NewFileStore() *FileStore {
	return &FileStore{}
}

// ShardPath returns the partial-metrics file of one shard.
func ShardPath(key Key, shard int) string {
	return shardBase(key, shard) + ".txt"
}

// DiagnosticsPath returns the compressed diagnostics file of one shard.
func DiagnosticsPath(key Key, shard int) string {
	return shardBase(key, shard) + ".json.zst"
}

func shardBase(key Key, shard int) string {
	return key.Checkpoint.Prefix + ".eval_" + string(key.Protocol) + "." + strconv.Itoa(shard)
}

// SavePartial writes the shard file, replacing any previous run.
func (s *FileStore) SavePartial(_ context.Context, key Key, p evaluation.Partial) error {
	path := ShardPath(key, p.Shard)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.StorageError("create results directory", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(FormatPartial(p)), 0644); err != nil {
		return errors.StorageError("write shard results", err).WithDetail("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.StorageError("write shard results", err).WithDetail("path", path)
	}
	return nil
}

// LoadPartial reads and validates one shard file.
func (s *FileStore) LoadPartial(_ context.Context, key Key, shard int) (evaluation.Partial, error) {
	path := ShardPath(key, shard)
	raw, err := os.ReadFile(path)
	if err != nil {
		return evaluation.Partial{}, errors.MissingShardError(shard, "cannot read "+path, err)
	}
	p, err := ParsePartial(shard, string(raw))
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			appErr.WithDetail("path", path)
		}
		return evaluation.Partial{}, err
	}
	return p, nil
}

// Shards lists the shard files present for key.
func (s *FileStore) Shards(_ context.Context, key Key) ([]int, error) {
	base := key.Checkpoint.Prefix + ".eval_" + string(key.Protocol) + "."
	matches, err := filepath.Glob(base + "*.txt")
	if err != nil {
		return nil, errors.StorageError("list shard results", err)
	}
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(m, base), ".txt"))
		if err == nil && i >= 0 {
			out = append(out, i)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
