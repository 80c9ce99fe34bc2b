// Package scratch holds recorded audio slices until a recording is stopped,
// so an interrupted session can be recovered up to the last completed slice.
package scratch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrQuotaExceeded = errors.New("scratch quota exceeded")

// Scratch is a small namespaced key/value space. Each namespace belongs to
// one user; keys inside follow the recordingChunk_{index} convention.
type Scratch interface {
	Set(ctx context.Context, namespace, key, value string) error
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Keys(ctx context.Context, namespace, prefix string) ([]string, error)
	Clear(ctx context.Context, namespace, prefix string) error
}

// MemoryScratch keeps values in-process with an optional per-namespace byte quota.
type MemoryScratch struct {
	mu       sync.Mutex
	maxBytes int64
	spaces   map[string]map[string]string
}

// NewMemoryScratch creates an in-memory scratch. maxBytes <= 0 disables the quota.
func NewMemoryScratch(maxBytes int64) *MemoryScratch {
	return &MemoryScratch{maxBytes: maxBytes, spaces: make(map[string]map[string]string)}
}

func (m *MemoryScratch) Set(ctx context.Context, namespace, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	space := m.spaces[namespace]
	if space == nil {
		space = make(map[string]string)
		m.spaces[namespace] = space
	}
	if m.maxBytes > 0 {
		var used int64
		for k, v := range space {
			if k != key {
				used += int64(len(v))
			}
		}
		if used+int64(len(value)) > m.maxBytes {
			return ErrQuotaExceeded
		}
	}
	space[key] = value
	return nil
}

func (m *MemoryScratch) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.spaces[namespace][key]
	return v, ok, nil
}

func (m *MemoryScratch) Keys(_ context.Context, namespace, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.spaces[namespace]))
	for k := range m.spaces[namespace] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryScratch) Clear(_ context.Context, namespace, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.spaces[namespace] {
		if strings.HasPrefix(k, prefix) {
			delete(m.spaces[namespace], k)
		}
	}
	if len(m.spaces[namespace]) == 0 {
		delete(m.spaces, namespace)
	}
	return nil
}
