package store

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	value    int64
	deadline time.Time // 零值表示不过期
}

// MemoryStore 单进程内的计数存储，过期时间基于单调时钟
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// get 返回未过期的计数器，过期的直接清理（调用方持锁）
func (m *MemoryStore) get(key string) *counter {
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	if !c.deadline.IsZero() && !m.now().Before(c.deadline) {
		delete(m.counters, key)
		return nil
	}
	return c
}

// Increment 计数 +1，不存在时从 0 开始
func (m *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(key)
	if c == nil {
		c = &counter{}
		m.counters[key] = c
	}
	c.value++
	return c.value, nil
}

// TTL 返回剩余时间；NoExpiry 表示未设置过期，KeyMissing 表示不存在
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(key)
	if c == nil {
		return KeyMissing, nil
	}
	if c.deadline.IsZero() {
		return NoExpiry, nil
	}
	return c.deadline.Sub(m.now()), nil
}

// Expire 设置过期时间，key 不存在时忽略
func (m *MemoryStore) Expire(_ context.Context, key string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(key)
	if c == nil {
		return nil
	}
	if d <= 0 {
		delete(m.counters, key)
		return nil
	}
	c.deadline = m.now().Add(d)
	return nil
}
