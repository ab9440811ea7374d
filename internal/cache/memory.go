package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend for tests and single-node dev
// mode. Entries expire lazily on read.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     int
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return 0, false, nil
	}
	if b.now().After(e.expiresAt) {
		delete(b.entries, key)
		return 0, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value int, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memEntry{value: value, expiresAt: b.now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) Del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// MemoryLocker is a process-local Locker with TTL semantics.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, held := l.locks[key]; held && until.After(now) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}
