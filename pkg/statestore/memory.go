package statestore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired() bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

// Memory is a process-local Store, used in tests and single-node setups.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]entry),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired() {
		return nil, ErrNotFound
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = newEntry(value, ttl)
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.data[key]; ok && !e.expired() {
		return ErrConflict
	}

	m.data[key] = newEntry(value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}
