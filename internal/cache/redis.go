package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"factcache/internal/core"
)

// DefaultRedisPrefix is prepended to every cache key stored in Redis.
const DefaultRedisPrefix = "factcache:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is prepended to every key (defaults to "factcache:")
	Prefix string

	// Retention is how long an entry is kept after it expires.
	// Zero keeps entries forever.
	Retention time.Duration
}

// upsertScript writes the hash only when the stored written_at is not newer.
// written_at is a zero-padded decimal so string comparison orders it.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'written_at')
if cur and cur > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'written_at', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// RedisStore implements Store using Redis for distributed storage.
// Expired entries are dropped by Redis itself once the retention window
// passes, so DeleteExpired has nothing to do.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a new Redis-based cache store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	slog.Info("redis cache connected", "prefix", prefix, "retention", cfg.Retention)

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: cfg.Retention,
		now:       time.Now,
	}, nil
}

func (s *RedisStore) redisKey(kind, key string) string {
	return s.prefix + kind + "|" + key
}

// Get retrieves the entry from Redis.
func (s *RedisStore) Get(ctx context.Context, kind, key string) (*core.CacheEntry, error) {
	data, err := s.client.HGet(ctx, s.redisKey(kind, key), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}
	return deserializeEntry(data)
}

// Upsert stores the entry unless Redis already holds a newer one.
func (s *RedisStore) Upsert(ctx context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	data, err := serializeEntry(entry)
	if err != nil {
		return err
	}

	var ttlMillis int64
	if s.retention > 0 {
		keep := entry.ExpiresAt.Add(s.retention).Sub(s.now())
		ttlMillis = max(keep.Milliseconds(), 1)
	}

	writtenAt := fmt.Sprintf("%020d", entry.WrittenAt.UnixNano())
	err = upsertScript.Run(ctx, s.client, []string{s.redisKey(entry.Kind, entry.Key)},
		writtenAt, data, ttlMillis).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to set cache entry in redis: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis key expiry covers retention.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
