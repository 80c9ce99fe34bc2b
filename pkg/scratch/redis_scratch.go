package scratch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// setScript writes one field and keeps a byte counter next to the hash.
// Returns -1 when the write would exceed the quota.
var setScript = redis.NewScript(`
local old = redis.call("HSTRLEN", KEYS[1], ARGV[1])
local used = tonumber(redis.call("GET", KEYS[2]) or "0")
local size = string.len(ARGV[2])
local limit = tonumber(ARGV[3])
local total = used - old + size
if limit > 0 and total > limit then
  return -1
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("SET", KEYS[2], tostring(total))
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return total
`)

var clearScript = redis.NewScript(`
local fields = redis.call("HKEYS", KEYS[1])
local freed = 0
for _, f in ipairs(fields) do
  if string.sub(f, 1, string.len(ARGV[1])) == ARGV[1] then
    freed = freed + redis.call("HSTRLEN", KEYS[1], f)
    redis.call("HDEL", KEYS[1], f)
  end
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[2])
elseif freed > 0 then
  redis.call("DECRBY", KEYS[2], tostring(freed))
end
return freed
`)

// RedisScratch stores each namespace as one hash with a TTL, so abandoned
// recordings expire on their own.
type RedisScratch struct {
	client   *redis.Client
	prefix   string
	maxBytes int64
	ttl      time.Duration
}

// RedisScratchConfig configures a RedisScratch.
type RedisScratchConfig struct {
	Addr     string
	Password string
	Prefix   string
	MaxBytes int64
	TTL      time.Duration
}

func NewRedisScratch(cfg RedisScratchConfig) (*RedisScratch, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("scratch redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "minutes:scratch"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisScratch{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		prefix:   prefix,
		maxBytes: cfg.MaxBytes,
		ttl:      ttl,
	}, nil
}

// Close releases the Redis client.
func (s *RedisScratch) Close() error {
	return s.client.Close()
}

func (s *RedisScratch) Set(ctx context.Context, namespace, key, value string) error {
	hashKey, sizeKey := s.keys(namespace)
	res, err := setScript.Run(ctx, s.client, []string{hashKey, sizeKey}, key, value, s.maxBytes, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("scratch set: %w", err)
	}
	if res < 0 {
		return ErrQuotaExceeded
	}
	return nil
}

func (s *RedisScratch) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	hashKey, _ := s.keys(namespace)
	v, err := s.client.HGet(ctx, hashKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scratch get: %w", err)
	}
	return v, true, nil
}

func (s *RedisScratch) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	hashKey, _ := s.keys(namespace)
	fields, err := s.client.HKeys(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scratch keys: %w", err)
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisScratch) Clear(ctx context.Context, namespace, prefix string) error {
	hashKey, sizeKey := s.keys(namespace)
	if err := clearScript.Run(ctx, s.client, []string{hashKey, sizeKey}, prefix).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("scratch clear: %w", err)
	}
	return nil
}

// UsedBytes returns the byte counter of a namespace.
func (s *RedisScratch) UsedBytes(ctx context.Context, namespace string) (int64, error) {
	_, sizeKey := s.keys(namespace)
	n, err := s.client.Get(ctx, sizeKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisScratch) keys(namespace string) (string, string) {
	base := fmt.Sprintf("%s:{%s}", s.prefix, namespace)
	return base + ":chunks", base + ":bytes"
}
