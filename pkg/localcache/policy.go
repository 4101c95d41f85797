package localcache

// PolicyType 淘汰策略类型
type PolicyType string

const (
	PolicyLRU  PolicyType = "lru"  // Least Recently Used
	PolicyLFU  PolicyType = "lfu"  // Least Frequently Used
	PolicyFIFO PolicyType = "fifo" // First In First Out
)

// EvictionPolicy 在缓存达到上限时选出被淘汰的键。
// 调用方持有缓存锁，实现不能再访问缓存本身。
type EvictionPolicy interface {
	Victim(entries map[string]*Entry) string
}

// NewEvictionPolicy 创建淘汰策略，未知类型默认使用 LRU
func NewEvictionPolicy(policyType PolicyType) EvictionPolicy {
	switch policyType {
	case PolicyLFU:
		return lfuPolicy{}
	case PolicyFIFO:
		return fifoPolicy{}
	default:
		return lruPolicy{}
	}
}

// lruPolicy 淘汰最久未访问的条目
type lruPolicy struct{}

func (lruPolicy) Victim(entries map[string]*Entry) string {
	var victim string
	var oldest *Entry
	for key, entry := range entries {
		if oldest == nil || entry.AccessedAt.Before(oldest.AccessedAt) ||
			(entry.AccessedAt.Equal(oldest.AccessedAt) && key < victim) {
			victim, oldest = key, entry
		}
	}
	return victim
}

// lfuPolicy 淘汰命中次数最少的条目，次数相同时淘汰更早写入的
type lfuPolicy struct{}

func (lfuPolicy) Victim(entries map[string]*Entry) string {
	var victim string
	var least *Entry
	for key, entry := range entries {
		if least == nil || entry.Hits < least.Hits ||
			(entry.Hits == least.Hits && entry.CreatedAt.Before(least.CreatedAt)) ||
			(entry.Hits == least.Hits && entry.CreatedAt.Equal(least.CreatedAt) && key < victim) {
			victim, least = key, entry
		}
	}
	return victim
}

// fifoPolicy 淘汰最早写入的条目
type fifoPolicy struct{}

func (fifoPolicy) Victim(entries map[string]*Entry) string {
	var victim string
	var first *Entry
	for key, entry := range entries {
		if first == nil || entry.CreatedAt.Before(first.CreatedAt) ||
			(entry.CreatedAt.Equal(first.CreatedAt) && key < victim) {
			victim, first = key, entry
		}
	}
	return victim
}
