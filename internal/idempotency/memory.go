package idempotency

import (
	"context"
	"sync"
	"time"
)

const memoryMaxEntries = 1024

type memoryEntry struct {
	entry     Entry
	createdAt time.Time
}

// MemoryStore 是进程内的幂等缓存，条目按 TTL 过期并限制总量。
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 构造内存幂等缓存，ttl 非正值取 DefaultTTL。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Get 查询缓存。键存在但请求体摘要不一致时报告冲突。
func (s *MemoryStore) Get(_ context.Context, key, requestHash string) (Entry, bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)
	cached, ok := s.entries[key]
	if !ok {
		return Entry{}, false, false, nil
	}
	if cached.entry.RequestHash != requestHash {
		return Entry{}, false, true, nil
	}
	return cached.entry, true, false, nil
}

// Set 写入缓存，超量时淘汰最旧条目。
func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)
	s.entries[key] = memoryEntry{entry: entry, createdAt: now}
	if len(s.entries) <= memoryMaxEntries {
		return nil
	}
	var oldestKey string
	var oldestAt time.Time
	first := true
	for candidate, cached := range s.entries {
		if first || cached.createdAt.Before(oldestAt) {
			oldestKey = candidate
			oldestAt = cached.createdAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
	return nil
}

func (s *MemoryStore) prune(now time.Time) {
	for key, cached := range s.entries {
		if now.Sub(cached.createdAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}
