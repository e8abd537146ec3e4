package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// RedisBackend stores documents as Redis strings under a prefix. Every
// stored key is also a member of an index set, which List reads.
type RedisBackend struct {
	cfg    config.RedisConfig
	client *redis.Client
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, errors.CodeStoreConnect, "connect to redis at %s", cfg.Address)
	}
	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(key string) string {
	return b.cfg.Prefix + key
}

// indexKey returns the key of the set holding every stored key.
func (b *RedisBackend) indexKey() string {
	return b.cfg.Prefix + "index"
}

func (b *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	// Use pipeline for atomic operations
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(key), data, b.cfg.TTL)
	pipe.SAdd(ctx, b.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "put %s", key)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, notFound(b.Name(), key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "get %s", key)
	}
	return data, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key(key))
	pipe.SRem(ctx, b.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "delete %s", key)
	}
	return nil
}

// List reads the index set. Keys whose document expired are dropped from
// the index on the way.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	members, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "list %s", prefix)
	}

	var keys []string
	for _, key := range members {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		n, err := b.client.Exists(ctx, b.key(key)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeStoreRead, "list %s", prefix)
		}
		if n == 0 {
			b.client.SRem(ctx, b.indexKey(), key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string { return "redis" }

// Close closes the Redis connection.
func (b *RedisBackend) Close() error { return b.client.Close() }

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}
