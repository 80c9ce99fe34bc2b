package scratch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisScratch(t *testing.T, maxBytes int64) (*RedisScratch, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisScratch(RedisScratchConfig{Addr: mr.Addr(), MaxBytes: maxBytes, TTL: time.Hour})
	if err != nil {
		t.Fatalf("new redis scratch: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisScratchSetGetClear(t *testing.T) {
	s, _ := newRedisScratch(t, 0)
	ctx := context.Background()
	if err := s.Set(ctx, "u1", ChunkKey(0), "aaaa"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "u1", ChunkKey(1), "bb"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "u1", ChunkKey(0))
	if err != nil || !ok || v != "aaaa" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}
	if used, _ := s.UsedBytes(ctx, "u1"); used != 6 {
		t.Fatalf("used = %d, want 6", used)
	}
	keys, err := s.Keys(ctx, "u1", ChunkKeyPrefix)
	if err != nil || len(keys) != 2 {
		t.Fatalf("keys = %v, %v", keys, err)
	}
	if err := s.Clear(ctx, "u1", ChunkKeyPrefix); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "u1", ChunkKey(0)); ok {
		t.Fatalf("expected key removed")
	}
	if used, _ := s.UsedBytes(ctx, "u1"); used != 0 {
		t.Fatalf("used after clear = %d, want 0", used)
	}
}

func TestRedisScratchQuota(t *testing.T) {
	s, _ := newRedisScratch(t, 8)
	ctx := context.Background()
	if err := s.Set(ctx, "u1", ChunkKey(0), "12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "u1", ChunkKey(1), "12345"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "u1", ChunkKey(1)); ok {
		t.Fatalf("rejected value must not be stored")
	}
	if err := s.Set(ctx, "u1", ChunkKey(0), "12345678"); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}

func TestRedisScratchExpires(t *testing.T) {
	s, mr := newRedisScratch(t, 0)
	ctx := context.Background()
	if err := s.Set(ctx, "u1", ChunkKey(0), "a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, "u1", ChunkKey(0)); ok {
		t.Fatalf("expected abandoned chunks to expire")
	}
}

func TestRedisScratchRequiresAddr(t *testing.T) {
	if _, err := NewRedisScratch(RedisScratchConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
