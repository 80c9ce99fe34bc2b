package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Returns the post-increment count and the remaining window in ms.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter caps requests per key within a fixed window shared by
// all replicas through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	scopes map[string]int

	client *redis.Client
	prefix string
}

func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "minutes:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// WithScopeLimits overrides the default limit per scope. A scope mapped to
// zero or less is not limited. Call before the limiter is shared.
func (l *FixedWindowLimiter) WithScopeLimits(limits map[string]int) *FixedWindowLimiter {
	l.scopes = make(map[string]int, len(limits))
	for scope, n := range limits {
		l.scopes[scope] = n
	}
	return l
}

func (l *FixedWindowLimiter) limitFor(scope string) int {
	if n, ok := l.scopes[scope]; ok {
		return n
	}
	return l.limit
}

func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}

// Allow counts one request for scope/key. Redis failures deny the request.
func (l *FixedWindowLimiter) Allow(ctx context.Context, scope, key string) Decision {
	if l == nil {
		return Decision{}
	}
	limit := l.limitFor(scope)
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%s:%d", l.prefix, scope, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	count, ttl := res[0], res[1]
	if count <= int64(limit) {
		return Decision{Allowed: true, Remaining: limit - int(count)}
	}
	retry := time.Duration(ttl) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return Decision{RetryAfter: retry}
}
