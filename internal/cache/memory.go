package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const defaultMemoryEntries = 50000

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// Memory is an in-process LRU cache with per-entry TTL. Values are stored as
// JSON so callers never share memory with the cache.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*memoryEntry
	lru        *list.List
	now        func() time.Time
}

var _ Cache = (*Memory)(nil)

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &Memory{
		maxEntries: maxEntries,
		items:      make(map[string]*memoryEntry),
		lru:        list.New(),
		now:        time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	entry, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.removeLocked(entry)
		m.mu.Unlock()
		return false, nil
	}
	m.lru.MoveToFront(entry.element)
	raw := entry.value
	m.mu.Unlock()

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	if entry, ok := m.items[key]; ok {
		entry.value = raw
		entry.expiresAt = expiresAt
		m.lru.MoveToFront(entry.element)
		return nil
	}

	entry := &memoryEntry{key: key, value: raw, expiresAt: expiresAt}
	entry.element = m.lru.PushFront(entry)
	m.items[key] = entry

	for len(m.items) > m.maxEntries {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest.Value.(*memoryEntry))
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if entry, ok := m.items[key]; ok {
			m.removeLocked(entry)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(entry)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Flush(ctx context.Context) (int, error) {
	return m.DeletePrefix(ctx, "")
}

// Len reports the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) removeLocked(entry *memoryEntry) {
	m.lru.Remove(entry.element)
	delete(m.items, entry.key)
}
