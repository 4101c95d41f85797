package server

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"cbmgrc/pkg/grid"
	"cbmgrc/pkg/logger"
	"cbmgrc/pkg/telemetry"
)

// Row BFF 透传的原始 JSON 行
type Row = json.RawMessage

// LoaderRegistry 按 (会话, 资源) 保存分页加载器，超过容量时淘汰最久未使用的加载器并关闭它
type LoaderRegistry struct {
	mu       sync.Mutex
	loaders  *lru.Cache[string, *grid.Loader[Row]]
	fetchers map[string]grid.FetchFunc[Row]
	config   grid.Config
	opts     []grid.Option
	log      *logrus.Entry
}

// NewLoaderRegistry 创建注册表，size 为最多保留的加载器数量
func NewLoaderRegistry(size int, fetchers map[string]grid.FetchFunc[Row], config grid.Config, opts ...grid.Option) (*LoaderRegistry, error) {
	r := &LoaderRegistry{
		fetchers: fetchers,
		config:   config,
		opts:     opts,
		log:      logger.WithComponent("LoaderRegistry"),
	}

	cache, err := lru.NewWithEvict[string, *grid.Loader[Row]](size, func(key string, l *grid.Loader[Row]) {
		r.log.WithField("loader", key).Debug("loader evicted")
		go l.Close()
	})
	if err != nil {
		return nil, err
	}
	r.loaders = cache
	return r, nil
}

// Supports 判断资源是否已注册
func (r *LoaderRegistry) Supports(resource string) bool {
	_, ok := r.fetchers[resource]
	return ok
}

// Resources 返回已注册的资源名
func (r *LoaderRegistry) Resources() []string {
	out := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		out = append(out, name)
	}
	return out
}

// Acquire 获取或创建加载器；资源未注册时返回 false
func (r *LoaderRegistry) Acquire(session, resource string) (*grid.Loader[Row], bool) {
	fetch, ok := r.fetchers[resource]
	if !ok {
		return nil, false
	}

	key := session + "|" + resource
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loaders.Get(key); ok {
		return l, true
	}
	l := grid.NewLoader(fetch, r.config, r.opts...)
	r.loaders.Add(key, l)
	return l, true
}

// Len 当前加载器数量
func (r *LoaderRegistry) Len() int {
	return r.loaders.Len()
}

// Stats 汇总加载器状态
func (r *LoaderRegistry) Stats() telemetry.LoaderStats {
	stats := telemetry.LoaderStats{}
	for _, key := range r.loaders.Keys() {
		l, ok := r.loaders.Peek(key)
		if !ok {
			continue
		}
		stats.Active++
		if l.Loading() {
			stats.Loading++
		}
	}
	return stats
}

// Close 关闭所有加载器
func (r *LoaderRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.loaders.Keys() {
		if l, ok := r.loaders.Peek(key); ok {
			l.Close()
		}
	}
	r.loaders.Purge()
}
