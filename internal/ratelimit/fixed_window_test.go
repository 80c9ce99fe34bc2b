package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if d := limiter.Allow(ctx, "upload", "user-1"); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first request should pass with one remaining, got %+v", d)
	}
	if d := limiter.Allow(ctx, "upload", "user-1"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second request should pass, got %+v", d)
	}
	d := limiter.Allow(ctx, "upload", "user-1")
	if d.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after: %v", d.RetryAfter)
	}
}

func TestFixedWindowLimiterScopesAreIndependent(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "upload", "user-1").Allowed {
		t.Fatal("upload should pass")
	}
	if !limiter.Allow(ctx, "chunks", "user-1").Allowed {
		t.Fatal("chunks scope must not share the upload budget")
	}
	if !limiter.Allow(ctx, "upload", "user-2").Allowed {
		t.Fatal("other users must not share the budget")
	}
}

func TestFixedWindowLimiterScopeLimits(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	limiter.WithScopeLimits(map[string]int{"chunks": 3, "process": 0})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "chunks", "user-1").Allowed {
			t.Fatalf("chunk %d should pass", i)
		}
	}
	if limiter.Allow(ctx, "chunks", "user-1").Allowed {
		t.Fatal("fourth chunk should be blocked")
	}
	for i := 0; i < 5; i++ {
		if !limiter.Allow(ctx, "process", "user-1").Allowed {
			t.Fatal("unlimited scope should always pass")
		}
	}
	if !limiter.Allow(ctx, "upload", "user-1").Allowed || limiter.Allow(ctx, "upload", "user-1").Allowed {
		t.Fatal("unlisted scope should use the default limit")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow(context.Background(), "upload", "user-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
