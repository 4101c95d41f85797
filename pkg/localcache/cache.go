package localcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"cbmgrc/pkg/logger"
)

// 条目被移除的原因，用于 Observer 统计
const (
	RemovedExpired     = "expired"
	RemovedInvalidated = "invalidated"
	RemovedEvicted     = "evicted"
)

// Observer 接收缓存事件，通常由 metrics 包实现
type Observer interface {
	ObserveHit()
	ObserveMiss()
	ObserveRemoved(reason string, n int)
}

// Config 本地缓存配置
type Config struct {
	DefaultTTL time.Duration // 默认 TTL，<=0 时使用 DefaultTTL
	MaxEntries int           // 最大条目数，0 表示不限制
	Policy     PolicyType    // 达到上限时的淘汰策略
}

// Option 构造选项
type Option func(*LocalCache)

// WithClock 注入时钟，测试中用于控制时间
func WithClock(now func() time.Time) Option {
	return func(c *LocalCache) {
		c.now = now
	}
}

// WithObserver 注册事件观察者
func WithObserver(o Observer) Option {
	return func(c *LocalCache) {
		c.observer = o
	}
}

// WithLogger 指定日志条目
func WithLogger(log *logrus.Entry) Option {
	return func(c *LocalCache) {
		c.log = log
	}
}

// LocalCache 线程安全的进程内 TTL 缓存。
// 过期判断与删除在同一次加锁内完成，过期条目不会被 Get/Has 返回。
type LocalCache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	defaultTTL time.Duration
	maxEntries int
	policy     EvictionPolicy

	hits      int64
	misses    int64
	evictions int64

	now      func() time.Time
	observer Observer
	log      *logrus.Entry

	// flight 为同一缓存键上的并发获取去重，供 CachedValue 使用
	flight singleflight.Group
	epochs map[string]uint64
}

// New 创建本地缓存
func New(config Config, opts ...Option) *LocalCache {
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &LocalCache{
		entries:    make(map[string]*Entry),
		epochs:     make(map[string]uint64),
		defaultTTL: ttl,
		maxEntries: config.MaxEntries,
		policy:     NewEvictionPolicy(config.Policy),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("LocalCache")
	}
	return c
}

// DefaultTTL 返回默认生存时间
func (c *LocalCache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Set 写入一个值，总是覆盖已有条目。ttl<=0 时使用默认 TTL。
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	entry := c.newEntry(key, value, ttl)

	c.mu.Lock()
	evicted := c.insertLocked(entry)
	c.mu.Unlock()

	if evicted > 0 {
		c.notifyRemoved(RemovedEvicted, evicted)
	}
}

func (c *LocalCache) newEntry(key string, value interface{}, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	return &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		TTL:        ttl,
		AccessedAt: now,
	}
}

// insertLocked 写入条目并在容量满时淘汰，返回淘汰数量。调用方持有 c.mu。
func (c *LocalCache) insertLocked(entry *Entry) int {
	evicted := 0
	if _, exists := c.entries[entry.Key]; !exists && c.maxEntries > 0 {
		for len(c.entries) >= c.maxEntries {
			victim := c.policy.Victim(c.entries)
			if victim == "" {
				break
			}
			delete(c.entries, victim)
			c.evictions++
			evicted++
		}
	}
	c.entries[entry.Key] = entry
	return evicted
}

// supersedeFlight 让该键上正在进行的获取失效：之后的调用不再与它合并，它的结果也不会写回缓存。
func (c *LocalCache) supersedeFlight(key string) {
	c.mu.Lock()
	c.epochs[key]++
	c.mu.Unlock()
	c.flight.Forget(key)
}

func (c *LocalCache) flightEpoch(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[key]
}

// setIfEpoch 仅当键的获取代次仍为 epoch 时写入，返回是否写入。
func (c *LocalCache) setIfEpoch(key string, epoch uint64, value interface{}, ttl time.Duration) bool {
	entry := c.newEntry(key, value, ttl)

	c.mu.Lock()
	if c.epochs[key] != epoch {
		c.mu.Unlock()
		return false
	}
	evicted := c.insertLocked(entry)
	c.mu.Unlock()

	if evicted > 0 {
		c.notifyRemoved(RemovedEvicted, evicted)
	}
	return true
}

// Get 获取一个值；不存在或已过期时返回 (nil, false)，过期条目会被顺带删除。
func (c *LocalCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		c.mu.Unlock()
		c.notifyMiss()
		return nil, false
	}

	now := c.now()
	if entry.Expired(now) {
		delete(c.entries, key)
		c.misses++
		c.mu.Unlock()
		c.notifyRemoved(RemovedExpired, 1)
		c.notifyMiss()
		return nil, false
	}

	entry.AccessedAt = now
	entry.Hits++
	c.hits++
	value := entry.Value
	c.mu.Unlock()

	c.notifyHit()
	return value, true
}

// Has 判断键是否存在且未过期，与 Get 具有相同的惰性过期副作用。
func (c *LocalCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete 删除一个键，键不存在时不做任何事。
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear 清空缓存
func (c *LocalCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Cleanup 删除所有已过期的条目，返回删除数量。
func (c *LocalCache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.notifyRemoved(RemovedExpired, removed)
	}
	c.log.WithFields(logrus.Fields{
		"removed":   removed,
		"remaining": remaining,
	}).Debug("cache cleanup finished")
	return removed
}

// InvalidateByPattern 删除键中包含任一模式子串的所有条目，返回删除数量。
// 匹配是普通的子串包含，不是正则也不是前缀匹配；空模式会被忽略。
func (c *LocalCache) InvalidateByPattern(patterns ...string) int {
	active := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return 0
	}

	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		for _, p := range active {
			if strings.Contains(key, p) {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.notifyRemoved(RemovedInvalidated, removed)
	}
	c.log.WithFields(logrus.Fields{
		"patterns": active,
		"removed":  removed,
	}).Debug("cache invalidated by pattern")
	return removed
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats 返回统计信息。内存占用按 2*len(key) + 2*len(json(value)) 粗略估算，
// 仅用于诊断，不能作为容量淘汰的依据。
func (c *LocalCache) Stats() Stats {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	values := make([]interface{}, 0, len(c.entries))
	for key, entry := range c.entries {
		keys = append(keys, key)
		values = append(values, entry.Value)
	}
	hits, misses, evictions := c.hits, c.misses, c.evictions
	c.mu.Unlock()

	var total int64
	for i, key := range keys {
		total += 2 * int64(utf16Len(key))
		encoded, err := encodeJSON(values[i])
		if err != nil {
			c.log.WithError(err).WithField("key", key).Warn("value is not JSON encodable, skipped in memory estimate")
			continue
		}
		total += 2 * int64(utf16Len(encoded))
	}
	sort.Strings(keys)

	var hitRate float64
	if sum := hits + misses; sum > 0 {
		hitRate = float64(hits) / float64(sum)
	}

	return Stats{
		Size: len(keys),
		Keys: keys,
		Memory: MemoryUsage{
			Bytes: total,
			KB:    fmt.Sprintf("%.2f", float64(total)/1024),
			MB:    fmt.Sprintf("%.2f", float64(total)/1024/1024),
		},
		MaxSize:   c.maxEntries,
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		Evictions: evictions,
		TTL:       c.defaultTTL.String(),
	}
}

func (c *LocalCache) notifyHit() {
	if c.observer != nil {
		c.observer.ObserveHit()
	}
}

func (c *LocalCache) notifyMiss() {
	if c.observer != nil {
		c.observer.ObserveMiss()
	}
}

func (c *LocalCache) notifyRemoved(reason string, n int) {
	if c.observer != nil {
		c.observer.ObserveRemoved(reason, n)
	}
}

// encodeJSON 与浏览器 JSON.stringify 的输出尽量一致（不转义 HTML 字符）
func encodeJSON(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// utf16Len 返回字符串的 UTF-16 码元数
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
