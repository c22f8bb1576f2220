// internal/service/order/fraud/counter.go
package fraud

import (
	"context"
	"sync"
	"time"
)

// CounterStore 共享的计数器存储: 原子自增, 第一次自增时设置过期时间 (固定窗口)
type CounterStore interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// sweepInterval 过期计数的清理间隔, 清理在自增时顺带进行
const sweepInterval = time.Minute

// MemoryCounterStore 单机部署与测试使用的内存实现
type MemoryCounterStore struct {
	mu        sync.Mutex
	now       func() time.Time
	counters  map[string]*memCounter
	lastSweep time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{now: time.Now, counters: make(map[string]*memCounter)}
}

// WithClock 替换时钟, 测试用
func (s *MemoryCounterStore) WithClock(now func() time.Time) *MemoryCounterStore {
	s.now = now
	return s
}

func (s *MemoryCounterStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.value++
	return c.value, nil
}

// sweep 删除所有已过期的计数, 调用方持有 mu
func (s *MemoryCounterStore) sweep(now time.Time) {
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
		}
	}
	s.lastSweep = now
}
