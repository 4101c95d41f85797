package localcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbmgrc/pkg/logger"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingObserver 记录缓存事件
type countingObserver struct {
	mu      sync.Mutex
	hits    int
	misses  int
	removed map[string]int
}

func (o *countingObserver) ObserveHit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits++
}

func (o *countingObserver) ObserveMiss() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses++
}

func (o *countingObserver) ObserveRemoved(reason string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removed == nil {
		o.removed = make(map[string]int)
	}
	o.removed[reason] += n
}

func newTestCache(clock *fakeClock, opts ...Option) *LocalCache {
	opts = append([]Option{WithClock(clock.Now), WithLogger(logger.Discard())}, opts...)
	return New(Config{}, opts...)
}

func TestLocalCache_SetAndGet(t *testing.T) {
	cache := newTestCache(newFakeClock())

	cache.Set("api:GET:/products:page=0", []string{"r0", "r1"}, 0)

	value, ok := cache.Get("api:GET:/products:page=0")
	require.True(t, ok)
	assert.Equal(t, []string{"r0", "r1"}, value)
	assert.True(t, cache.Has("api:GET:/products:page=0"))

	// 不存在的键
	value, ok = cache.Get("nonexistent")
	assert.False(t, ok)
	assert.Nil(t, value)
	assert.False(t, cache.Has("nonexistent"))
}

func TestLocalCache_SetOverwrites(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock)

	cache.Set("k", "v1", 100*time.Millisecond)
	clock.Advance(90 * time.Millisecond)
	cache.Set("k", "v2", 100*time.Millisecond)
	clock.Advance(90 * time.Millisecond)

	// 覆盖写入会刷新创建时间
	value, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestLocalCache_TTLExpiry(t *testing.T) {
	for _, ttl := range []time.Duration{time.Millisecond, 100 * time.Millisecond, time.Hour} {
		t.Run(ttl.String(), func(t *testing.T) {
			clock := newFakeClock()
			cache := newTestCache(clock)

			cache.Set("k", "v", ttl)
			value, ok := cache.Get("k")
			require.True(t, ok)
			assert.Equal(t, "v", value)

			// 正好等于 TTL 时仍然有效
			clock.Advance(ttl)
			assert.True(t, cache.Has("k"))

			clock.Advance(time.Millisecond)
			value, ok = cache.Get("k")
			assert.False(t, ok)
			assert.Nil(t, value)
			assert.False(t, cache.Has("k"))
		})
	}
}

func TestLocalCache_ExpiredEntryDeletedOnGet(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock)

	cache.Set("k", "v", 50*time.Millisecond)
	assert.Equal(t, 1, cache.Len())

	clock.Advance(60 * time.Millisecond)
	_, ok := cache.Get("k")
	assert.False(t, ok)

	cache.mu.Lock()
	_, exists := cache.entries["k"]
	cache.mu.Unlock()
	assert.False(t, exists, "Expired entry should be deleted on Get")
	assert.Equal(t, 0, cache.Len())
}

func TestLocalCache_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock)
	assert.Equal(t, DefaultTTL, cache.DefaultTTL())

	cache.Set("k", "v", 0)
	clock.Advance(DefaultTTL)
	assert.True(t, cache.Has("k"))
	clock.Advance(time.Millisecond)
	assert.False(t, cache.Has("k"))

	custom := New(Config{DefaultTTL: time.Minute}, WithLogger(logger.Discard()))
	assert.Equal(t, time.Minute, custom.DefaultTTL())
}

func TestLocalCache_DeleteIsIdempotent(t *testing.T) {
	cache := newTestCache(newFakeClock())
	cache.Set("a", 1, 0)

	assert.NotPanics(t, func() { cache.Delete("missing") })
	assert.Equal(t, 1, cache.Stats().Size)

	cache.Delete("a")
	cache.Delete("a")
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestLocalCache_Clear(t *testing.T) {
	cache := newTestCache(newFakeClock())
	cache.Set("a", 1, 0)
	cache.Set("b", 2, 0)

	cache.Clear()

	assert.Equal(t, 0, cache.Len())
	assert.False(t, cache.Has("a"))
}

func TestLocalCache_InvalidateByPattern(t *testing.T) {
	cache := newTestCache(newFakeClock())
	cache.Set("api:GET:/products:1", "p1", 0)
	cache.Set("api:GET:/stock:1", "s1", 0)
	cache.Set("other:GET:/products:2", "p2", 0)

	removed := cache.InvalidateByPattern("/products")

	assert.Equal(t, 2, removed)
	assert.False(t, cache.Has("api:GET:/products:1"))
	assert.False(t, cache.Has("other:GET:/products:2"))
	assert.True(t, cache.Has("api:GET:/stock:1"))
}

func TestLocalCache_InvalidateByPattern_Variants(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		removed  int
		left     []string
	}{
		{"no match", []string{"/sales"}, 0, []string{"api:GET:/products:1", "api:GET:/stock:1", "x.y*z"}},
		{"multiple patterns", []string{"/products", "/stock"}, 2, []string{"x.y*z"}},
		{"overlapping patterns count once", []string{"api:", "/products"}, 2, []string{"x.y*z"}},
		{"literal not regex", []string{".y*"}, 1, []string{"api:GET:/products:1", "api:GET:/stock:1"}},
		{"not a prefix match", []string{"GET"}, 2, []string{"x.y*z"}},
		{"empty pattern ignored", []string{""}, 0, []string{"api:GET:/products:1", "api:GET:/stock:1", "x.y*z"}},
		{"no patterns", nil, 0, []string{"api:GET:/products:1", "api:GET:/stock:1", "x.y*z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newTestCache(newFakeClock())
			cache.Set("api:GET:/products:1", 1, 0)
			cache.Set("api:GET:/stock:1", 2, 0)
			cache.Set("x.y*z", 3, 0)

			assert.Equal(t, tt.removed, cache.InvalidateByPattern(tt.patterns...))
			assert.Equal(t, tt.left, cache.Stats().Keys)
		})
	}
}

func TestLocalCache_CleanupPurgesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock)

	cache.Set("expired", "a", 100*time.Millisecond)
	cache.Set("fresh", "b", 10*time.Second)
	sizeBefore := cache.Stats().Size

	clock.Advance(200 * time.Millisecond)
	removed := cache.Cleanup()

	assert.Equal(t, 1, removed)
	assert.Equal(t, sizeBefore-1, cache.Stats().Size)
	assert.Equal(t, []string{"fresh"}, cache.Stats().Keys)
}

func TestLocalCache_Stats(t *testing.T) {
	cache := newTestCache(newFakeClock())

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Empty(t, stats.Keys)
	assert.Equal(t, int64(0), stats.Memory.Bytes)
	assert.Equal(t, "0.00", stats.Memory.KB)
	assert.Equal(t, "0.00", stats.Memory.MB)

	// 估算值：b=2+8，a=2+14，é=2+10（不转义 HTML 字符）
	cache.Set("b", "hi", 0)
	cache.Set("a", map[string]int{"n": 1}, 0)
	cache.Set("é", "<&>", 0)
	cache.Get("a")
	cache.Get("zzz")

	stats = cache.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, []string{"a", "b", "é"}, stats.Keys)
	assert.Equal(t, int64(38), stats.Memory.Bytes)
	assert.Equal(t, "0.04", stats.Memory.KB)
	assert.Equal(t, "0.00", stats.Memory.MB)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, "5m0s", stats.TTL)
}

func TestLocalCache_StatsSkipsUnencodableValues(t *testing.T) {
	cache := newTestCache(newFakeClock())
	cache.Set("ch", make(chan int), 0)

	var stats Stats
	assert.NotPanics(t, func() { stats = cache.Stats() })
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(4), stats.Memory.Bytes)
}

func TestLocalCache_Observer(t *testing.T) {
	clock := newFakeClock()
	obs := &countingObserver{}
	cache := newTestCache(clock, WithObserver(obs))

	cache.Set("a", 1, time.Second)
	cache.Set("b", 2, time.Minute)
	cache.Get("a")
	cache.Get("missing")
	clock.Advance(2 * time.Second)
	cache.Get("a")
	cache.InvalidateByPattern("b")

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 2, obs.misses)
	assert.Equal(t, 1, obs.removed[RemovedExpired])
	assert.Equal(t, 1, obs.removed[RemovedInvalidated])
}

func TestLocalCache_MaxEntriesEviction(t *testing.T) {
	clock := newFakeClock()
	cache := New(Config{MaxEntries: 3, Policy: PolicyFIFO}, WithClock(clock.Now), WithLogger(logger.Discard()))

	for i := 1; i <= 3; i++ {
		cache.Set(fmt.Sprintf("key%d", i), i, 0)
		clock.Advance(time.Millisecond)
	}

	// 覆盖已有键不触发淘汰
	cache.Set("key2", 22, 0)
	assert.Equal(t, 3, cache.Len())

	cache.Set("key4", 4, 0)
	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Has("key1"))
	assert.True(t, cache.Has("key4"))
	assert.Equal(t, int64(1), cache.Stats().Evictions)
	assert.Equal(t, 3, cache.Stats().MaxSize)
}

func TestLocalCache_ConcurrentAccess(t *testing.T) {
	cache := New(Config{}, WithLogger(logger.Discard()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("api:GET:/products:%d", i%20)
				cache.Set(key, i, 0)
				cache.Get(key)
				if i%50 == 0 {
					cache.InvalidateByPattern("/products:1")
					cache.Cleanup()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 20)
}

func BenchmarkLocalCache_Set(b *testing.B) {
	cache := New(Config{}, WithLogger(logger.Discard()))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Set(fmt.Sprintf("key%d", i%10000), i, 0)
	}
}

func BenchmarkLocalCache_Get(b *testing.B) {
	cache := New(Config{}, WithLogger(logger.Discard()))
	for i := 0; i < 1000; i++ {
		cache.Set(fmt.Sprintf("key%d", i), i, 0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get(fmt.Sprintf("key%d", i%1000))
	}
}
