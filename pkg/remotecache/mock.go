package remotecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/localcache"
)

// MockRemoteCache 模拟远程缓存实现（用于测试和开发）
type MockRemoteCache struct {
	mu          sync.RWMutex
	data        map[string]mockRemoteEntry
	isConnected bool
	failWith    error
	now         func() time.Time
}

type mockRemoteEntry struct {
	value      []byte
	expireTime time.Time
}

// NewMockRemoteCache 创建模拟远程缓存，初始即处于连接状态
func NewMockRemoteCache() *MockRemoteCache {
	return &MockRemoteCache{
		data:        make(map[string]mockRemoteEntry),
		isConnected: true,
		now:         time.Now,
	}
}

// SetClock 注入时钟
func (m *MockRemoteCache) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith 让后续所有操作返回指定错误，传 nil 恢复正常
func (m *MockRemoteCache) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Connect 模拟连接
func (m *MockRemoteCache) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = true
	return nil
}

// Ping 模拟Ping操作
func (m *MockRemoteCache) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isConnected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (m *MockRemoteCache) check() error {
	if !m.isConnected {
		return apperr.NewError(apperr.ErrRemoteCache, "not connected")
	}
	if m.failWith != nil {
		return apperr.WrapError(apperr.ErrRemoteCache, "mock failure", m.failWith)
	}
	return nil
}

// Get 从模拟缓存获取数据
func (m *MockRemoteCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}

	entry, exists := m.data[key]
	if !exists {
		return nil, apperr.NewError(apperr.ErrCacheMiss, "cache miss")
	}
	if m.now().After(entry.expireTime) {
		delete(m.data, key)
		return nil, apperr.NewError(apperr.ErrCacheMiss, "cache expired")
	}
	return entry.value, nil
}

// Set 向模拟缓存设置数据
func (m *MockRemoteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.data[key] = mockRemoteEntry{
		value:      value,
		expireTime: m.now().Add(ttl),
	}
	return nil
}

// DeleteMatching 删除包含任一模式子串的键
func (m *MockRemoteCache) DeleteMatching(ctx context.Context, patterns ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}

	removed := 0
	for key := range m.data {
		for _, p := range patterns {
			if p != "" && strings.Contains(key, p) {
				delete(m.data, key)
				removed++
				break
			}
		}
	}
	return removed, nil
}

// Clear 清空模拟缓存
func (m *MockRemoteCache) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.data = make(map[string]mockRemoteEntry)
	return nil
}

// Len 返回条目数
func (m *MockRemoteCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close 关闭模拟缓存
func (m *MockRemoteCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	return nil
}

var _ localcache.Remote = (*MockRemoteCache)(nil)
