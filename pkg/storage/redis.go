package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis substrate.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisSubstrate implements Substrate on Redis. All keys are stored
// under a fixed prefix so Clear and Keys never touch unrelated data in
// a shared database. Entries carry no Redis-level TTL: expiry is
// enforced by the namespaced store so health scans can observe expired
// entries before they are trimmed.
type RedisSubstrate struct {
	client *redis.Client
	prefix string
}

// NewRedisSubstrate connects to Redis and verifies the connection.
func NewRedisSubstrate(cfg RedisConfig) (*RedisSubstrate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "securecache:"
	}

	return &RedisSubstrate{client: client, prefix: prefix}, nil
}

// NewRedisSubstrateWithClient wraps an existing client; used by tests.
func NewRedisSubstrateWithClient(client *redis.Client, prefix string) *RedisSubstrate {
	if prefix == "" {
		prefix = "securecache:"
	}
	return &RedisSubstrate{client: client, prefix: prefix}
}

// Get retrieves a value.
func (r *RedisSubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Set stores a value.
func (r *RedisSubstrate) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisSubstrate) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Keys returns all keys under the substrate prefix, unprefixed.
func (r *RedisSubstrate) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// Clear removes all keys under the substrate prefix.
func (r *RedisSubstrate) Clear(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}

	removed, err := r.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis clear failed: %w", err)
	}
	return int(removed), nil
}

// UsedBytes sums the stored value sizes under the substrate prefix.
func (r *RedisSubstrate) UsedBytes(ctx context.Context) (int64, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.StrLen(ctx, r.prefix+k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis strlen failed: %w", err)
	}

	var total int64
	for i, cmd := range cmds {
		total += int64(len(keys[i])) + cmd.Val()
	}
	return total, nil
}

// Close releases the underlying client.
func (r *RedisSubstrate) Close() error {
	return r.client.Close()
}
