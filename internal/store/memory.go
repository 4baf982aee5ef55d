package store

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	token   string
	expires time.Time
}

// Memory is a process-local Store. It only coordinates schedulers running in
// the same process.
type Memory struct {
	mu    sync.Mutex
	kv    map[string]string
	locks map[string]lockEntry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{kv: map[string]string{}, locks: map[string]lockEntry{}, now: time.Now}
}

// WithClock replaces the clock used to evaluate lock expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Acquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[key]; ok && now.Before(cur.expires) {
		return false, nil
	}
	m.locks[key] = lockEntry{token: token, expires: now.Add(lease)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[key]; ok && cur.token == token {
		delete(m.locks, key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
