package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// 内置维护任务
const (
	TaskCacheCleanup = "cache_cleanup" // 清理本地缓存中的过期条目
	TaskStatsReport  = "stats_report"  // 上报缓存与加载器统计
)

// JobConfig 单个维护任务的配置
type JobConfig struct {
	Name     string        `mapstructure:"name" yaml:"name" json:"name"`
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Schedule string        `mapstructure:"schedule" yaml:"schedule" json:"schedule"` // cron 表达式（带秒）或 @every 描述符
	Task     string        `mapstructure:"task" yaml:"task" json:"task"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout,omitempty"` // 0 使用调度器默认值
}

// State 任务状态
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateFailed   State = "failed" // 最近一次执行失败
	StateDisabled State = "disabled"
)

// Job 任务的状态快照
type Job struct {
	ID           string        `json:"id"`
	Config       JobConfig     `json:"config"`
	State        State         `json:"state"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastError    string        `json:"last_error,omitempty"`

	entryID cron.EntryID
}

// Executor 执行一次任务
type Executor interface {
	Execute(ctx context.Context, job JobConfig) error
}

// ExecutorFunc 函数形式的 Executor
type ExecutorFunc func(ctx context.Context, job JobConfig) error

func (f ExecutorFunc) Execute(ctx context.Context, job JobConfig) error {
	return f(ctx, job)
}
