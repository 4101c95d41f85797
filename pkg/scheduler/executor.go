package scheduler

import (
	"context"

	"github.com/sirupsen/logrus"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/logger"
)

// Cleaner 可以清理过期条目的缓存
type Cleaner interface {
	Cleanup() int
}

// StatsReporter 把当前统计写到外部存储
type StatsReporter interface {
	Report(ctx context.Context) error
}

// MaintenanceExecutor 执行内置维护任务
type MaintenanceExecutor struct {
	cache    Cleaner
	reporter StatsReporter
	logger   *logrus.Entry
}

// NewMaintenanceExecutor 创建维护任务执行器，reporter 可以为 nil
func NewMaintenanceExecutor(cache Cleaner, reporter StatsReporter) *MaintenanceExecutor {
	return &MaintenanceExecutor{
		cache:    cache,
		reporter: reporter,
		logger:   logger.WithComponent("MaintenanceExecutor"),
	}
}

// Execute 根据任务类型分派
func (e *MaintenanceExecutor) Execute(ctx context.Context, job JobConfig) error {
	switch job.Task {
	case TaskCacheCleanup:
		if e.cache == nil {
			return apperr.NewError(apperr.ErrInvalidArgument, "任务未配置缓存").WithContext("job", job.Name)
		}
		removed := e.cache.Cleanup()
		if removed > 0 {
			e.logger.WithField("removed", removed).Info("过期缓存已清理")
		}
		return nil

	case TaskStatsReport:
		if e.reporter == nil {
			e.logger.Debugf("任务 %s 未配置统计上报，跳过", job.Name)
			return nil
		}
		return e.reporter.Report(ctx)

	default:
		// 配置错误，不是执行失败
		return apperr.NewError(apperr.ErrInvalidArgument, "未知任务类型: "+job.Task).
			WithContext("job", job.Name).
			WithContext("task", job.Task)
	}
}
