// Package server 是面向表格前端的 BFF：通过按会话保存的分页加载器提供表格数据，
// 并暴露缓存管理、健康检查和 Prometheus 指标。
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cbmgrc/pkg/localcache"
	"cbmgrc/pkg/logger"
	"cbmgrc/pkg/scheduler"
)

// Pinger 可做连接检查的外部依赖（如 Redis）
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobRunner 维护任务的查询与手动触发，*scheduler.Scheduler 满足该接口
type JobRunner interface {
	Jobs() []scheduler.Job
	Trigger(ctx context.Context, name string) error
}

// Config BFF 服务配置
type Config struct {
	Port        string
	Mode        string
	PageSize    int           // 请求未指定 page_size 时的默认值
	MaxPageSize int           // 允许的最大 page_size
	WaitTimeout time.Duration // 等待块加载的最长时间
}

// Deps 服务依赖
type Deps struct {
	Cache    *localcache.Layered
	Loaders  *LoaderRegistry
	Metrics  http.Handler      // /metrics 处理器，可以为 nil
	Jobs     JobRunner         // 可以为 nil
	Services map[string]Pinger // 健康检查的外部依赖
}

// Server BFF HTTP 服务
type Server struct {
	config     Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	logger     *logrus.Entry
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New 创建服务并注册路由
func New(config Config, deps Deps) *Server {
	if config.PageSize <= 0 {
		config.PageSize = 20
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 500
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 10 * time.Second
	}
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger.WithComponent("BFFServer"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(s.logger))
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/grid/:resource", s.getGridPage)

		v1.GET("/cache/stats", s.getCacheStats)
		v1.POST("/cache/invalidate", s.invalidateCache)
		v1.POST("/cache/cleanup", s.cleanupCache)
		v1.DELETE("/cache", s.clearCache)

		if s.deps.Jobs != nil {
			v1.GET("/jobs", s.listJobs)
			v1.POST("/jobs/:name/run", s.runJob)
		}
	}

	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	return router
}

// Handler 返回路由，便于测试和嵌入
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 在后台开始监听
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting BFF server...")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()
	return nil
}

// Stop 优雅关闭并释放加载器
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
		}
	}
	if s.deps.Loaders != nil {
		s.deps.Loaders.Close()
	}
}
