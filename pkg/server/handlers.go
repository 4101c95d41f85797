package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/grid"
)

// GridResponse 表格页响应
type GridResponse struct {
	Session  string `json:"session"`
	Resource string `json:"resource"`
	grid.Snapshot[Row]
}

// InvalidateRequest 模式失效请求
type InvalidateRequest struct {
	Patterns []string `json:"patterns" binding:"required,min=1"`
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{}
	status := "ok"
	for name, svc := range s.deps.Services {
		if err := svc.Ping(ctx); err != nil {
			services[name] = "error: " + err.Error()
			status = "degraded"
			continue
		}
		services[name] = "ok"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"services":  services,
	}
	if s.deps.Loaders != nil {
		health["loaders"] = s.deps.Loaders.Len()
	}

	if status == "ok" {
		c.JSON(http.StatusOK, health)
	} else {
		c.JSON(http.StatusServiceUnavailable, health)
	}
}

// getGridPage 返回会话加载器的当前页。
// 查询变化（reset_key、filter 或 page_size）时页码归零，请求中的 page 被忽略。
func (s *Server) getGridPage(c *gin.Context) {
	resource := c.Param("resource")
	if s.deps.Loaders == nil || !s.deps.Loaders.Supports(resource) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Unknown resource: " + resource})
		return
	}

	page, err := intQuery(c, "page", 0)
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "page must be a non-negative integer"})
		return
	}
	pageSize, err := intQuery(c, "page_size", s.config.PageSize)
	if err != nil || pageSize <= 0 || pageSize > s.config.MaxPageSize {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: "page_size must be between 1 and " + strconv.Itoa(s.config.MaxPageSize),
		})
		return
	}
	var filter grid.FilterModel
	if raw := c.Query("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "filter must be a JSON filter model"})
			return
		}
	}

	session := c.Query("session")
	if session == "" {
		session = uuid.New().String()
	}

	loader, _ := s.deps.Loaders.Acquire(session, resource)
	// 同一会话的并发请求各自整体生效，不会交错成混合的查询
	query := grid.Query{Page: page, PageSize: pageSize, Filter: filter}
	query.ResetKey, query.HasResetKey = c.GetQuery("reset_key")
	done := loader.Apply(query)

	timer := time.NewTimer(s.config.WaitTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-c.Request.Context().Done():
		return
	}

	c.JSON(http.StatusOK, GridResponse{
		Session:  session,
		Resource: resource,
		Snapshot: loader.Snapshot(),
	})
}

func (s *Server) getCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Cache.Local().Stats())
}

func (s *Server) invalidateCache(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	removed := s.deps.Cache.InvalidateByPattern(c.Request.Context(), req.Patterns...)
	s.logger.WithField("patterns", req.Patterns).WithField("removed", removed).Info("cache invalidated")
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) cleanupCache(c *gin.Context) {
	removed := s.deps.Cache.Local().Cleanup()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) clearCache(c *gin.Context) {
	s.deps.Cache.Clear(c.Request.Context())
	s.logger.Info("cache cleared")
	c.Status(http.StatusNoContent)
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Jobs.Jobs()})
}

// runJob 同步执行一次维护任务
func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	if err := s.deps.Jobs.Trigger(c.Request.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if apperr.HasCode(err, apperr.ErrInvalidArgument) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: "job_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "status": "completed"})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
