// Package localcache 提供进程内的 TTL 键值缓存、基于子串的失效、缓存驱动的数据获取辅助，
// 以及与远程缓存组合的分层实现。
package localcache

import (
	"time"
)

// DefaultTTL 未指定 TTL 时使用的生存时间
const DefaultTTL = 5 * time.Minute

// Entry 代表缓存中的一个条目。
type Entry struct {
	Key        string        // 缓存键
	Value      interface{}   // 缓存的值
	CreatedAt  time.Time     // 写入时间
	TTL        time.Duration // 生存时间
	AccessedAt time.Time     // 最后访问时间
	Hits       int64         // 命中次数
}

// Expired 判断条目在 now 时刻是否已过期（now - CreatedAt > TTL）。
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// MemoryUsage 内存占用的粗略估算
type MemoryUsage struct {
	Bytes int64  `json:"bytes"`
	KB    string `json:"kb"`
	MB    string `json:"mb"`
}

// Stats 包含了缓存的统计信息。
type Stats struct {
	Size      int         `json:"size"`        // 当前条目数
	Keys      []string    `json:"keys"`        // 所有键（已排序）
	Memory    MemoryUsage `json:"memory"`      // 估算的内存占用
	MaxSize   int         `json:"max_size"`    // 最大条目数，0 表示不限制
	Hits      int64       `json:"hits"`        // 命中次数
	Misses    int64       `json:"misses"`      // 未命中次数
	HitRate   float64     `json:"hit_rate"`    // 命中率
	Evictions int64       `json:"evictions"`   // 因容量限制被淘汰的条目数
	TTL       string      `json:"default_ttl"` // 默认 TTL
}
