package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const DefaultMemoryCapacity = 10000

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a bounded process-local LRU cache. Values are stored JSON
// encoded so a reader never shares memory with the writer.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	clock   clockwork.Clock
}

func NewMemoryCache(clock clockwork.Clock) *MemoryCache {
	return NewBoundedMemoryCache(DefaultMemoryCapacity, clock)
}

// NewBoundedMemoryCache evicts the least recently used entry once capacity
// entries are stored.
func NewBoundedMemoryCache(capacity int, clock clockwork.Clock) *MemoryCache {
	if capacity < 1 {
		capacity = DefaultMemoryCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	entries, _ := lru.New[string, memoryEntry](capacity)
	return &MemoryCache{entries: entries, clock: clock}
}

func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries.Add(key, entry)
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	entry, ok := m.entries.Get(key)
	if !ok {
		return ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && !m.clock.Now().Before(entry.expiresAt) {
		m.entries.Remove(key)
		return ErrCacheMiss
	}

	if err := json.Unmarshal(entry.data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached data: %w", err)
	}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.entries.Remove(key)
	}
	return nil
}

func (m *MemoryCache) DeletePattern(_ context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	for _, key := range m.entries.Keys() {
		if matched, _ := path.Match(pattern, key); matched {
			m.entries.Remove(key)
		}
	}
	return nil
}

func (m *MemoryCache) Len() int {
	return m.entries.Len()
}

func (m *MemoryCache) Health(context.Context) error {
	return nil
}

func (m *MemoryCache) Stats() map[string]interface{} {
	return map[string]interface{}{"entries": m.Len()}
}

func (m *MemoryCache) Close() error {
	m.entries.Purge()
	return nil
}
