// Package telemetry 把缓存和分页加载器的统计以数据点形式写入 InfluxDB。
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/localcache"
	"cbmgrc/pkg/logger"
)

const (
	MeasurementCache = "cache_stats"
	MeasurementGrid  = "grid_loaders"
)

// InfluxConfig InfluxDB 连接配置
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// PointWriter 同步写入数据点，api.WriteAPIBlocking 满足该接口
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// StatsSource 提供缓存统计
type StatsSource interface {
	Stats() localcache.Stats
}

// LoaderStats 活跃分页加载器的汇总
type LoaderStats struct {
	Active  int // 注册表中的加载器数量
	Loading int // 正在获取数据的加载器数量
}

// Reporter 每次 Report 写入一组统计数据点
type Reporter struct {
	writer  PointWriter
	cache   StatsSource
	loaders func() LoaderStats
	host    string
	now     func() time.Time
	logger  *logrus.Entry
}

// Option 配置 Reporter
type Option func(*Reporter)

// WithLoaderStats 同时上报分页加载器统计
func WithLoaderStats(fn func() LoaderStats) Option {
	return func(r *Reporter) { r.loaders = fn }
}

// WithHost 设置 host 标签
func WithHost(host string) Option {
	return func(r *Reporter) { r.host = host }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter 创建统计上报器
func NewReporter(writer PointWriter, cache StatsSource, opts ...Option) *Reporter {
	r := &Reporter{
		writer: writer,
		cache:  cache,
		now:    time.Now,
		logger: logger.WithComponent("StatsReporter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report 采集当前统计并写入
func (r *Reporter) Report(ctx context.Context) error {
	ts := r.now()
	points := []*write.Point{r.cachePoint(ts)}
	if r.loaders != nil {
		points = append(points, r.loaderPoint(ts))
	}

	if err := r.writer.WritePoint(ctx, points...); err != nil {
		return apperr.WrapError(apperr.ErrFetchFailed, "failed to write stats to InfluxDB", err)
	}

	r.logger.WithField("points", len(points)).Debug("stats reported")
	return nil
}

func (r *Reporter) cachePoint(ts time.Time) *write.Point {
	stats := r.cache.Stats()
	p := influxdb2.NewPointWithMeasurement(MeasurementCache).
		AddField("size", stats.Size).
		AddField("hits", stats.Hits).
		AddField("misses", stats.Misses).
		AddField("hit_rate", stats.HitRate).
		AddField("evictions", stats.Evictions).
		AddField("memory_bytes", stats.Memory.Bytes).
		SetTime(ts)
	if r.host != "" {
		p.AddTag("host", r.host)
	}
	return p
}

func (r *Reporter) loaderPoint(ts time.Time) *write.Point {
	stats := r.loaders()
	p := influxdb2.NewPointWithMeasurement(MeasurementGrid).
		AddField("active", stats.Active).
		AddField("loading", stats.Loading).
		SetTime(ts)
	if r.host != "" {
		p.AddTag("host", r.host)
	}
	return p
}

// Connect 创建 InfluxDB 客户端并做健康检查，返回客户端和同步写入 API
func Connect(ctx context.Context, config InfluxConfig) (influxdb2.Client, PointWriter, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(checkCtx)
	if err != nil {
		client.Close()
		return nil, nil, apperr.WrapError(apperr.ErrFetchFailed, "failed to connect to InfluxDB", err).
			WithContext("url", config.URL)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, nil, apperr.NewError(apperr.ErrFetchFailed, "InfluxDB health check failed").
			WithContext("status", string(health.Status))
	}

	return client, client.WriteAPIBlocking(config.Org, config.Bucket), nil
}
