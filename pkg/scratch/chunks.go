package scratch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"minutesai/pkg/domain"
)

// ChunkKeyPrefix prefixes every recorded slice key.
const ChunkKeyPrefix = "recordingChunk_"

var (
	ErrBadChunk     = errors.New("malformed recording chunk")
	ErrMissingChunk = errors.New("recording chunk missing")
)

// ChunkKey returns the scratch key of the slice with the given index.
func ChunkKey(index int) string {
	return ChunkKeyPrefix + strconv.Itoa(index)
}

// ChunkBuffer appends recorded slices to a scratch namespace under
// monotonically increasing indexes.
type ChunkBuffer struct {
	scratch   Scratch
	namespace string
	next      int
}

func NewChunkBuffer(s Scratch, namespace string) *ChunkBuffer {
	return &ChunkBuffer{scratch: s, namespace: namespace}
}

// Next returns the index the next appended slice will get.
func (b *ChunkBuffer) Next() int {
	return b.next
}

// Append stores one slice and returns its index.
func (b *ChunkBuffer) Append(ctx context.Context, chunk domain.Chunk) (int, error) {
	index := b.next
	chunk.Index = index
	if err := b.scratch.Set(ctx, b.namespace, ChunkKey(index), EncodeChunk(chunk)); err != nil {
		return 0, err
	}
	b.next++
	return index, nil
}

// Load reads every stored slice, ordered by index. Gaps are preserved so the
// assembler can report them. Slices appended through this buffer but no
// longer stored at the tail yield ErrMissingChunk.
func (b *ChunkBuffer) Load(ctx context.Context) ([]domain.Chunk, error) {
	keys, err := b.scratch.Keys(ctx, b.namespace, ChunkKeyPrefix)
	if err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(keys))
	for _, key := range keys {
		index, err := strconv.Atoi(strings.TrimPrefix(key, ChunkKeyPrefix))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("%w: key %q", ErrBadChunk, key)
		}
		value, ok, err := b.scratch.Get(ctx, b.namespace, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		chunk, err := DecodeChunk(value)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", index, err)
		}
		chunk.Index = index
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	last := -1
	if n := len(chunks); n > 0 {
		last = chunks[n-1].Index
	}
	if last < b.next-1 {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrMissingChunk, last+1, b.next)
	}
	if n := len(chunks); n > 0 && chunks[n-1].Index >= b.next {
		b.next = chunks[n-1].Index + 1
	}
	return chunks, nil
}

// Clear drops every slice and resets the index counter.
func (b *ChunkBuffer) Clear(ctx context.Context) error {
	b.next = 0
	return b.scratch.Clear(ctx, b.namespace, ChunkKeyPrefix)
}

// EncodeChunk renders a slice as a data URL:
// data:<mime>;duration=<ms>;base64,<payload>
func EncodeChunk(c domain.Chunk) string {
	var sb strings.Builder
	sb.WriteString("data:")
	sb.WriteString(strings.ReplaceAll(c.MimeType, " ", ""))
	if c.DurationMs > 0 {
		sb.WriteString(";duration=")
		sb.WriteString(strconv.FormatInt(c.DurationMs, 10))
	}
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(c.Data))
	return sb.String()
}

// DecodeChunk parses a value written by EncodeChunk.
func DecodeChunk(value string) (domain.Chunk, error) {
	if !strings.HasPrefix(value, "data:") {
		return domain.Chunk{}, ErrBadChunk
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	if !ok {
		return domain.Chunk{}, ErrBadChunk
	}
	params := strings.Split(header, ";")
	if len(params) < 2 || params[len(params)-1] != "base64" {
		return domain.Chunk{}, ErrBadChunk
	}
	var chunk domain.Chunk
	mimeParts := []string{params[0]}
	for _, p := range params[1 : len(params)-1] {
		k, v, _ := strings.Cut(p, "=")
		if k == "duration" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				chunk.DurationMs = ms
			}
			continue
		}
		mimeParts = append(mimeParts, p)
	}
	chunk.MimeType = strings.Join(mimeParts, ";")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	chunk.Data = data
	return chunk, nil
}
