package scratch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryScratchQuota(t *testing.T) {
	s := NewMemoryScratch(10)
	ctx := context.Background()
	if err := s.Set(ctx, "u1", "a", "12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "u1", "b", "123456"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if err := s.Set(ctx, "u1", "a", "1234567890"); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
	if err := s.Set(ctx, "u2", "a", "1234567890"); err != nil {
		t.Fatalf("namespaces have separate quotas: %v", err)
	}
}

func TestMemoryScratchKeysAndClear(t *testing.T) {
	s := NewMemoryScratch(0)
	ctx := context.Background()
	for _, k := range []string{"recordingChunk_1", "recordingChunk_0", "other"} {
		if err := s.Set(ctx, "u1", k, strings.Repeat("x", 4)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	keys, _ := s.Keys(ctx, "u1", ChunkKeyPrefix)
	if strings.Join(keys, ",") != "recordingChunk_0,recordingChunk_1" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if err := s.Clear(ctx, "u1", ChunkKeyPrefix); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "u1", "other"); !ok {
		t.Fatalf("clear must keep keys outside the prefix")
	}
	if keys, _ := s.Keys(ctx, "u1", ChunkKeyPrefix); len(keys) != 0 {
		t.Fatalf("expected no chunk keys, got %v", keys)
	}
}
