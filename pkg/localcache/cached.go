package localcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperr "cbmgrc/pkg/error"
)

// Fetcher 从数据源获取一个值
type Fetcher[T any] func(ctx context.Context) (T, error)

// State 是 CachedValue 对外暴露的状态快照
type State[T any] struct {
	Data      T
	Err       error
	Loading   bool
	FromCache bool
}

// CachedValue 把一个 Fetcher 绑定到缓存键上：先读缓存，未命中时获取并写回。
// 同一 LocalCache 上同一键的并发获取会合并为一次调用。
type CachedValue[T any] struct {
	cache *LocalCache
	key   string
	ttl   time.Duration
	fetch Fetcher[T]

	mu    sync.Mutex
	state State[T]
}

// NewCachedValue 创建缓存驱动的获取器，ttl<=0 时使用缓存的默认 TTL
func NewCachedValue[T any](cache *LocalCache, key string, ttl time.Duration, fetch Fetcher[T]) *CachedValue[T] {
	return &CachedValue[T]{
		cache: cache,
		key:   key,
		ttl:   ttl,
		fetch: fetch,
	}
}

// Key 返回绑定的缓存键
func (v *CachedValue[T]) Key() string {
	return v.key
}

// Load 缓存命中时直接返回，否则调用 Fetcher 并在成功后写入缓存。失败的结果不会被缓存。
func (v *CachedValue[T]) Load(ctx context.Context) (T, error) {
	if data, ok := v.cached(); ok {
		return data, nil
	}
	return v.fetchData(ctx)
}

// Refetch 在 force 为 true 或缓存未命中时重新获取，并无视 TTL 覆盖缓存。
// 强制获取不会合并到已在进行的获取上。
func (v *CachedValue[T]) Refetch(ctx context.Context, force bool) (T, error) {
	if !force {
		if data, ok := v.cached(); ok {
			return data, nil
		}
		return v.fetchData(ctx)
	}
	v.cache.supersedeFlight(v.key)
	return v.fetchData(ctx)
}

// Invalidate 删除缓存键并立即强制重新获取
func (v *CachedValue[T]) Invalidate(ctx context.Context) (T, error) {
	v.cache.supersedeFlight(v.key)
	v.cache.Delete(v.key)
	return v.fetchData(ctx)
}

// State 返回当前状态
func (v *CachedValue[T]) State() State[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *CachedValue[T]) cached() (T, bool) {
	var zero T
	raw, ok := v.cache.Get(v.key)
	if !ok {
		return zero, false
	}
	data, ok := raw.(T)
	if !ok {
		return zero, false
	}

	v.mu.Lock()
	v.state = State[T]{Data: data, FromCache: true}
	v.mu.Unlock()
	return data, true
}

func (v *CachedValue[T]) fetchData(ctx context.Context) (T, error) {
	var zero T

	v.mu.Lock()
	v.state.Loading = true
	v.mu.Unlock()

	res, err, shared := v.cache.flight.Do(v.key, func() (interface{}, error) {
		epoch := v.cache.flightEpoch(v.key)
		data, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		// 被强制获取取代后不再写回，避免旧值覆盖新值
		if !v.cache.setIfEpoch(v.key, epoch, data, v.ttl) {
			v.cache.log.WithField("key", v.key).Debug("superseded fetch not written back")
		}
		return data, nil
	})

	var data T
	if err == nil {
		var ok bool
		data, ok = res.(T)
		if !ok {
			err = apperr.NewError(apperr.ErrInvalidArgument,
				fmt.Sprintf("cache key %q shared by fetchers of different types", v.key))
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.state.Err = err
		v.state.Loading = false
		v.cache.log.WithError(err).WithField("key", v.key).Warn("cached fetch failed")
		return zero, err
	}
	v.state = State[T]{Data: data}
	if shared {
		v.cache.log.WithField("key", v.key).Debug("joined in-flight fetch")
	}
	return data, nil
}
