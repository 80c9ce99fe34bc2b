package scratch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"minutesai/pkg/domain"
)

func TestEncodeDecodeChunk(t *testing.T) {
	in := domain.Chunk{MimeType: "audio/webm; codecs=opus", DurationMs: 300000, Data: []byte{0x1a, 0x45, 0xdf, 0xa3}}
	value := EncodeChunk(in)
	if value[:5] != "data:" {
		t.Fatalf("expected data url, got %q", value)
	}
	out, err := DecodeChunk(value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MimeType != "audio/webm;codecs=opus" || out.DurationMs != 300000 || !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("unexpected chunk %+v", out)
	}
}

func TestDecodeChunkRejectsGarbage(t *testing.T) {
	for _, v := range []string{"", "hello", "data:audio/webm,AAAA", "data:audio/webm;base64,***"} {
		if _, err := DecodeChunk(v); !errors.Is(err, ErrBadChunk) {
			t.Fatalf("DecodeChunk(%q) = %v, want ErrBadChunk", v, err)
		}
	}
}

func TestChunkBufferAppendLoadClear(t *testing.T) {
	s := NewMemoryScratch(0)
	ctx := context.Background()
	buf := NewChunkBuffer(s, "u1")
	for i, data := range []string{"a", "b", "c"} {
		index, err := buf.Append(ctx, domain.Chunk{MimeType: "audio/webm", Data: []byte(data)})
		if err != nil || index != i {
			t.Fatalf("append = %d, %v", index, err)
		}
	}

	// A fresh buffer over the same namespace picks up where the old one stopped.
	resumed := NewChunkBuffer(s, "u1")
	chunks, err := resumed.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(chunks) != 3 || chunks[2].Index != 2 || string(chunks[1].Data) != "b" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if resumed.Next() != 3 {
		t.Fatalf("next = %d, want 3", resumed.Next())
	}

	if err := resumed.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if resumed.Next() != 0 {
		t.Fatalf("expected index reset after clear")
	}
	if chunks, _ := resumed.Load(ctx); len(chunks) != 0 {
		t.Fatalf("expected empty scratch, got %d chunks", len(chunks))
	}
}

func TestChunkBufferLoadKeepsGaps(t *testing.T) {
	s := NewMemoryScratch(0)
	ctx := context.Background()
	if err := s.Set(ctx, "u1", ChunkKey(0), EncodeChunk(domain.Chunk{MimeType: "audio/webm", Data: []byte("a")})); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "u1", ChunkKey(2), EncodeChunk(domain.Chunk{MimeType: "audio/webm", Data: []byte("c")})); err != nil {
		t.Fatalf("set: %v", err)
	}
	chunks, err := NewChunkBuffer(s, "u1").Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(chunks) != 2 || chunks[1].Index != 2 {
		t.Fatalf("expected gap preserved, got %+v", chunks)
	}
}

func TestChunkBufferLoadReportsLostTail(t *testing.T) {
	s := NewMemoryScratch(0)
	ctx := context.Background()
	buf := NewChunkBuffer(s, "u1")
	for _, data := range []string{"a", "b", "c"} {
		if _, err := buf.Append(ctx, domain.Chunk{MimeType: "audio/webm", Data: []byte(data)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Clear(ctx, "u1", ChunkKey(2)); err != nil {
		t.Fatalf("drop last chunk: %v", err)
	}
	_, err := buf.Load(ctx)
	if !errors.Is(err, ErrMissingChunk) || !strings.Contains(err.Error(), "chunk 2 of 3") {
		t.Fatalf("expected missing chunk 2, got %v", err)
	}

	if err := s.Clear(ctx, "u1", ChunkKeyPrefix); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := buf.Load(ctx); !errors.Is(err, ErrMissingChunk) || !strings.Contains(err.Error(), "chunk 0 of 3") {
		t.Fatalf("expected missing chunk 0, got %v", err)
	}
}
