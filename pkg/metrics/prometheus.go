// Package metrics 用 Prometheus 暴露缓存、分页加载器和后端请求的指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace 指标名前缀
const DefaultNamespace = "cbmgrc"

// Collector 持有独立的 registry，同时实现 localcache.Observer、grid.Observer 与 apiclient.Observer
type Collector struct {
	registry *prometheus.Registry

	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	cacheRemoved *prometheus.CounterVec

	blockFetches  *prometheus.CounterVec
	blockDuration prometheus.Histogram
	staleResults  prometheus.Counter

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// New 创建指标收集器，namespace 为空时使用 DefaultNamespace
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of local cache hits",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of local cache misses",
	})
	c.cacheRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "removed_total",
		Help:      "Entries removed from the local cache by reason",
	}, []string{"reason"})

	c.blockFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "block_fetches_total",
		Help:      "Block prefetches by result",
	}, []string{"result"})
	c.blockDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "block_fetch_duration_seconds",
		Help:      "Histogram of block prefetch duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	c.staleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "stale_pages_total",
		Help:      "Page results discarded because the query changed",
	})

	c.apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Backend HTTP requests by method and status code",
	}, []string{"method", "code"})
	c.apiDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Histogram of backend request duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"method"})

	c.registry.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheRemoved,
		c.blockFetches,
		c.blockDuration,
		c.staleResults,
		c.apiRequests,
		c.apiDuration,
	)
	return c
}

// Registry 返回底层 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHit 记录一次缓存命中
func (c *Collector) ObserveHit() {
	c.cacheHits.Inc()
}

// ObserveMiss 记录一次缓存未命中
func (c *Collector) ObserveMiss() {
	c.cacheMisses.Inc()
}

// ObserveRemoved 记录按原因删除的条目数
func (c *Collector) ObserveRemoved(reason string, n int) {
	c.cacheRemoved.WithLabelValues(reason).Add(float64(n))
}

// ObserveBlockFetch 记录一次块预取
func (c *Collector) ObserveBlockFetch(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.blockFetches.WithLabelValues(result).Inc()
	c.blockDuration.Observe(d.Seconds())
}

// ObserveStale 记录一次被丢弃的过期页结果
func (c *Collector) ObserveStale() {
	c.staleResults.Inc()
}

// ObserveRequest 记录一次后端请求，code 为 HTTP 状态码或 "error"
func (c *Collector) ObserveRequest(method, code string, d time.Duration) {
	c.apiRequests.WithLabelValues(method, code).Inc()
	c.apiDuration.WithLabelValues(method).Observe(d.Seconds())
}
