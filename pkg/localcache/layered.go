package localcache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	apperr "cbmgrc/pkg/error"
)

// Remote 远程缓存层（如 Redis）的最小接口。未命中时 Get 返回 CACHE_MISS 错误。
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMatching(ctx context.Context, patterns ...string) (int, error)
	Clear(ctx context.Context) error
}

// Layered 分层缓存：LocalCache 作为一级，Remote 作为可选的二级。
// 二级命中会提升到一级；写入同时写两级；远程失败只记录日志，退化为纯本地缓存。
type Layered struct {
	local  *LocalCache
	remote Remote
	log    *logrus.Entry
}

// NewLayered 创建分层缓存，remote 可以为 nil
func NewLayered(local *LocalCache, remote Remote) *Layered {
	return &Layered{
		local:  local,
		remote: remote,
		log:    local.log.WithField("layer", "layered"),
	}
}

// Local 返回一级缓存
func (l *Layered) Local() *LocalCache {
	return l.local
}

// Get 依次查询一级和二级缓存
func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if raw, ok := l.local.Get(key); ok {
		if b, ok := raw.([]byte); ok {
			return b, true
		}
	}
	if l.remote == nil {
		return nil, false
	}

	b, err := l.remote.Get(ctx, key)
	if err != nil {
		if !apperr.HasCode(err, apperr.ErrCacheMiss) {
			l.log.WithError(err).WithField("key", key).Warn("remote cache get failed")
		}
		return nil, false
	}

	// 提升到一级缓存，使用一级的默认 TTL
	l.local.Set(key, b, 0)
	return b, true
}

// Set 写穿两级缓存
func (l *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l.local.Set(key, value, ttl)
	if l.remote == nil {
		return
	}
	if ttl <= 0 {
		ttl = l.local.DefaultTTL()
	}
	if err := l.remote.Set(ctx, key, value, ttl); err != nil {
		l.log.WithError(err).WithField("key", key).Warn("remote cache set failed")
	}
}

// InvalidateByPattern 在两级缓存中按子串失效，返回一级缓存中删除的数量
func (l *Layered) InvalidateByPattern(ctx context.Context, patterns ...string) int {
	removed := l.local.InvalidateByPattern(patterns...)
	if l.remote != nil {
		n, err := l.remote.DeleteMatching(ctx, patterns...)
		if err != nil {
			l.log.WithError(err).WithField("patterns", patterns).Warn("remote cache invalidation failed")
		} else if n > 0 {
			l.log.WithField("removed", n).Debug("remote cache entries invalidated")
		}
	}
	return removed
}

// Clear 清空两级缓存
func (l *Layered) Clear(ctx context.Context) {
	l.local.Clear()
	if l.remote == nil {
		return
	}
	if err := l.remote.Clear(ctx); err != nil {
		l.log.WithError(err).Warn("remote cache clear failed")
	}
}
