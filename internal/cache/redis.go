package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures the connection parameters for the Redis-backed store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const (
	defaultRedisTimeout = 5 * time.Second
	redisKeyPrefix      = "authkit:"
)

// incrementScript implements the fixed-window counter. ARGV[1] is the limit (0 = unbounded),
// ARGV[2] the window in milliseconds. Returns {count, pttl, admitted}.
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and current >= limit then
	return {current, redis.call('PTTL', KEYS[1]), 0}
end
current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {current, ttl, 1}
`)

// RedisStore implements Store on top of go-redis. Counter admission runs as a Lua script so
// the read, compare and increment are a single server-side operation.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore dials Redis and verifies the connection so misconfiguration surfaces at startup.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.TLS {
		host := cfg.Address
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Address, err)
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and callers sharing a pool.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialised
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, ErrNotInitialised
	}
	value, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return ErrNotInitialised
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixed(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return ErrNotInitialised
	}
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefixed(key)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, ttl, _, err := s.runIncrement(ctx, key, 0, window)
	return count, ttl, err
}

func (s *RedisStore) IncrementIfBelow(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	if limit <= 0 {
		if s == nil {
			return 0, 0, false, ErrNotInitialised
		}
		raw, ok, err := s.Get(ctx, key)
		if err != nil || !ok {
			return 0, 0, false, err
		}
		var current int64
		_, _ = fmt.Sscan(string(raw), &current)
		ttl, _, err := s.TTL(ctx, key)
		return current, ttl, false, err
	}
	return s.runIncrement(ctx, key, limit, window)
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if s == nil {
		return 0, false, ErrNotInitialised
	}
	ttl, err := s.client.PTTL(ctx, s.prefixed(key)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis: pttl: %w", err)
	}
	// go-redis reports missing keys and keys without expiry as negative durations.
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *RedisStore) runIncrement(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	if s == nil {
		return 0, 0, false, ErrNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}
	window = normaliseWindow(window)

	values, err := incrementScript.Run(ctx, s.client, []string{s.prefixed(key)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis: increment: %w", err)
	}
	if len(values) != 3 {
		return 0, 0, false, fmt.Errorf("redis: increment: unexpected reply length %d", len(values))
	}

	ttl := time.Duration(values[1]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return values[0], ttl, values[2] == 1, nil
}

func (s *RedisStore) prefixed(key string) string {
	if strings.HasPrefix(key, s.prefix) {
		return key
	}
	return s.prefix + key
}
