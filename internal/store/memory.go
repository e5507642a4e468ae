package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded Store used in tests and as a dependency-free dev
// mode. The Now hook lets tests control TTL expiry.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][]string
	scores map[string]map[string]float64
	kv     map[string]memoryEntry

	Now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		lists:  map[string][]string{},
		scores: map[string]map[string]float64{},
		kv:     map[string]memoryEntry{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) AppendList(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) PopList(_ context.Context, key string, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 || max <= 0 {
		return nil, nil
	}
	n := max
	if n > len(list) {
		n = len(list)
	}
	popped := append([]string(nil), list[:n]...)
	rest := list[n:]
	if len(rest) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = rest
	}
	return popped, nil
}

func (m *Memory) DrainList(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	delete(m.lists, key)
	return list, nil
}

func (m *Memory) RangeList(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	length := int64(len(list))
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop {
		return nil, nil
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) UpsertScore(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.scores[key]
	if members == nil {
		members = map[string]float64{}
		m.scores[key] = members
	}
	members[member] = score
	return nil
}

func (m *Memory) RangeByMaxScore(_ context.Context, key string, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for member, score := range m.scores[key] {
		if score <= max {
			due = append(due, member)
		}
	}
	return due, nil
}

func (m *Memory) RemoveScore(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.scores[key]; ok {
		delete(members, member)
	}
	return nil
}

func (m *Memory) ScoreCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.scores[key])), nil
}

// Score reports the stored score for a member. Test helper, not part of the
// Store contract.
func (m *Memory) Score(key, member string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[key][member]
	return score, ok
}

func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.kv, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
