package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMemoryEntries = 1024
	// memoryMaxTTL bounds entries stored without a TTL.
	memoryMaxTTL = 7 * 24 * time.Hour
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryProvider is an in-process LRU. Contents do not survive a restart, so it only
// helps when coordinators are rebuilt inside one process, e.g. on config reload.
type MemoryProvider struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

// NewMemoryProvider creates an LRU bounded to maxEntries keys.
func NewMemoryProvider(maxEntries int) *MemoryProvider {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &MemoryProvider{
		lru: expirable.NewLRU[string, memoryEntry](maxEntries, nil, memoryMaxTTL),
		now: time.Now,
	}
}

func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.lru.Remove(key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryProvider) Ping(context.Context) error { return nil }

// Close drops every entry.
func (m *MemoryProvider) Close() error {
	m.lru.Purge()
	return nil
}

// Len reports the number of live keys.
func (m *MemoryProvider) Len() int {
	return m.lru.Len()
}
