package state

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-shot CLI commands.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     int64
	now     func() time.Time
}

// NewMemory returns an empty store. A nil clock defaults to time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{entries: make(map[string]Entry), now: clock}
}

func (m *Memory) live(key string) (Entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.Expired(m.now()) {
		delete(m.entries, key)
		return Entry{}, false
	}
	return e, true
}

func (m *Memory) put(key string, value []byte, ttl time.Duration) Entry {
	m.seq++
	e := Entry{Key: key, Value: slices.Clone(value), Version: m.seq}
	if ttl > 0 {
		e.ExpiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return e
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, value, ttl), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expected int64, value []byte, ttl time.Duration) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.live(key)
	if cur.Version != expected {
		return cur, ErrConflict
	}
	return m.put(key, value, ttl), nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.live(key)
	if cur.Version != expected {
		return ErrConflict
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e, ok := m.live(k); ok {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}
