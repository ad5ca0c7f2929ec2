package billing

import (
	"context"
	"sync"
	"time"
)

// DefaultDeferredTTL bounds how long an out-of-order event waits for its record.
const DefaultDeferredTTL = 72 * time.Hour

// DeferredStore buffers events that arrived before the record they refer to.
// Events are keyed by external subscription id and replayed once it is known.
type DeferredStore interface {
	Defer(ctx context.Context, key string, event *ProviderEvent) error
	// Drain returns the buffered events for key in arrival order and forgets them.
	Drain(ctx context.Context, key string) ([]*ProviderEvent, error)
}

type deferredEntry struct {
	event     *ProviderEvent
	expiresAt time.Time
}

// MemoryDeferredStore 进程内的延迟事件缓冲（单实例/测试使用）
type MemoryDeferredStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string][]deferredEntry
}

// NewMemoryDeferredStore creates an in-memory buffer; ttl <= 0 uses DefaultDeferredTTL.
func NewMemoryDeferredStore(ttl time.Duration) *MemoryDeferredStore {
	if ttl <= 0 {
		ttl = DefaultDeferredTTL
	}
	return &MemoryDeferredStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string][]deferredEntry),
	}
}

func (s *MemoryDeferredStore) Defer(ctx context.Context, key string, event *ProviderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(s.entries[key], deferredEntry{event: event, expiresAt: s.now().Add(s.ttl)})
	return nil
}

func (s *MemoryDeferredStore) Drain(ctx context.Context, key string) ([]*ProviderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[key]
	delete(s.entries, key)

	now := s.now()
	events := make([]*ProviderEvent, 0, len(entries))
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			events = append(events, e.event)
		}
	}
	return events, nil
}

// Len 当前缓冲的 key 数量
func (s *MemoryDeferredStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
