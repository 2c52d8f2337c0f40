package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is the in-process fallback used in tests and when no
// redis address is configured. Same contract as RedisBackend, one
// process only.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.entries[key] = memoryEntry{value: stored, expiresAt: exp}
	for _, tag := range tags {
		if b.tags[tag] == nil {
			b.tags[tag] = make(map[string]struct{})
		}
		b.tags[tag][key] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.entries, k)
	}
	return nil
}

func (b *MemoryBackend) InvalidateTags(_ context.Context, tags []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	for _, tag := range tags {
		for k := range b.tags[tag] {
			seen[k] = struct{}{}
		}
		delete(b.tags, tag)
	}
	for k := range seen {
		delete(b.entries, k)
	}
	return len(seen), nil
}
