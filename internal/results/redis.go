package results

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// RedisStore keeps partial metrics in one Redis hash per key, one field
// per shard. The split fingerprint is part of the hash name, so partials
// computed over different data never mix.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to url and pings it.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("parsing redis URL: %v", err))
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "connecting to redis", err)
	}

	return &RedisStore{
		client: client,
		prefix: "linkrank:partial:",
		ttl:    30 * 24 * time.Hour,
	}, nil
}

func (rs *RedisStore) hashKey(key Key) string {
	fp := key.Fingerprint
	if fp == "" {
		fp = "-"
	}
	return fmt.Sprintf("%s%s:%s:%s:%s", rs.prefix, key.Checkpoint.Name, key.Checkpoint.Index, key.Protocol, fp)
}

// SavePartial stores the shard record and refreshes the hash TTL.
func (rs *RedisStore) SavePartial(ctx context.Context, key Key, p evaluation.Partial) error {
	hk := rs.hashKey(key)

	pipe := rs.client.TxPipeline()
	pipe.HSet(ctx, hk, strconv.Itoa(p.Shard), FormatPartial(p))
	if rs.ttl > 0 {
		pipe.Expire(ctx, hk, rs.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StorageError("saving shard partial", err).WithDetail("key", hk)
	}
	return nil
}

// LoadPartial reads one shard record.
func (rs *RedisStore) LoadPartial(ctx context.Context, key Key, shard int) (evaluation.Partial, error) {
	hk := rs.hashKey(key)
	text, err := rs.client.HGet(ctx, hk, strconv.Itoa(shard)).Result()
	if err == redis.Nil {
		return evaluation.Partial{}, errors.MissingShardError(shard, "no partial in "+hk, nil)
	}
	if err != nil {
		return evaluation.Partial{}, errors.StorageError("loading shard partial", err).WithDetail("key", hk)
	}
	return ParsePartial(shard, text)
}

// Shards lists the shard indexes stored under key.
func (rs *RedisStore) Shards(ctx context.Context, key Key) ([]int, error) {
	fields, err := rs.client.HKeys(ctx, rs.hashKey(key)).Result()
	if err != nil {
		return nil, errors.StorageError("listing shard partials", err)
	}
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if i, err := strconv.Atoi(f); err == nil {
			out = append(out, i)
		}
	}
	return out, nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
