// Package scheduler 按 cron 表达式周期执行缓存维护任务，并记录每个任务的执行状态。
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/logger"
)

// DefaultTimeout 任务单次执行的默认超时
const DefaultTimeout = 5 * time.Minute

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Option 配置 Scheduler
type Option func(*Scheduler)

// WithTimeout 设置默认的单次执行超时
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger 替换日志
func WithLogger(log *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = log }
}

// Scheduler 维护任务调度器
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	executor Executor
	jobs     map[string]*Job
	timeout  time.Duration
	log      *logrus.Entry
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器，Start 之前添加的任务在启动后才开始按时执行
func New(executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		executor: executor,
		jobs:     make(map[string]*Job),
		timeout:  DefaultTimeout,
		log:      logger.WithComponent("Scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.PrintfLogger(s.log))),
	)
	return s
}

// Load 批量添加任务，无效或重复的配置记录警告后跳过，返回添加的数量
func (s *Scheduler) Load(jobs []JobConfig) int {
	added := 0
	for _, cfg := range jobs {
		if err := s.Add(cfg); err != nil {
			s.log.WithError(err).WithField("job", cfg.Name).Warn("skipping job")
			continue
		}
		added++
	}
	return added
}

// Add 添加任务；禁用的任务会被登记但不会调度
func (s *Scheduler) Add(cfg JobConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.Name]; exists {
		return apperr.NewError(apperr.ErrInvalidArgument, "job already exists").WithContext("job", cfg.Name)
	}

	job := &Job{ID: uuid.New().String(), Config: cfg, State: StateIdle}
	if !cfg.Enabled {
		job.State = StateDisabled
	} else {
		name := cfg.Name
		id, err := s.cron.AddFunc(cfg.Schedule, func() { s.run(s.ctx, name) })
		if err != nil {
			return apperr.WrapError(apperr.ErrInvalidArgument, "failed to schedule job", err).WithContext("job", cfg.Name)
		}
		job.entryID = id
	}
	s.jobs[cfg.Name] = job

	s.log.WithFields(logrus.Fields{
		"job":      cfg.Name,
		"task":     cfg.Task,
		"schedule": cfg.Schedule,
		"enabled":  cfg.Enabled,
	}).Info("job added")
	return nil
}

// Remove 移除任务
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return notFound(name)
	}
	if job.entryID != 0 {
		s.cron.Remove(job.entryID)
	}
	delete(s.jobs, name)
	return nil
}

// Job 返回任务快照
func (s *Scheduler) Job(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.snapshotLocked(job), true
}

// Jobs 按名称排序返回所有任务快照
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, s.snapshotLocked(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Trigger 立即同步执行一次任务，忽略调度表达式。任务正在运行时返回错误。
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return notFound(name)
	}
	if job.State == StateDisabled {
		s.mu.Unlock()
		return apperr.NewError(apperr.ErrInvalidArgument, "job is disabled").WithContext("job", name)
	}
	s.mu.Unlock()

	return s.run(ctx, name)
}

// Start 开始按计划执行
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.Jobs())).Info("scheduler started")
}

// Stop 停止调度，取消正在执行的任务并等待其退出或 ctx 结束
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// run 执行一次任务；同一任务不会并发执行
func (s *Scheduler) run(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return notFound(name)
	}
	if s.stopped {
		s.mu.Unlock()
		return apperr.NewError(apperr.ErrInvalidArgument, "scheduler is stopped").WithContext("job", name)
	}
	if job.State == StateRunning {
		s.mu.Unlock()
		s.log.WithField("job", name).Warn("job still running, skipped")
		return apperr.NewError(apperr.ErrInvalidArgument, "job is already running").WithContext("job", name)
	}
	job.State = StateRunning
	cfg := job.Config
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.executor.Execute(runCtx, cfg)
	elapsed := time.Since(start)

	s.mu.Lock()
	job.LastRun = start
	job.LastDuration = elapsed
	job.Runs++
	if err != nil {
		job.State = StateFailed
		job.Failures++
		job.LastError = err.Error()
	} else {
		job.State = StateIdle
		job.LastError = ""
	}
	s.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{"job": name, "task": cfg.Task, "duration": elapsed})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

func (s *Scheduler) snapshotLocked(job *Job) Job {
	out := *job
	if job.entryID != 0 {
		out.NextRun = s.cron.Entry(job.entryID).Next
	}
	return out
}

func validate(cfg JobConfig) error {
	invalid := func(msg string) error {
		return apperr.NewError(apperr.ErrInvalidArgument, msg).WithContext("job", cfg.Name)
	}

	if cfg.Name == "" {
		return invalid("job name cannot be empty")
	}
	if cfg.Task == "" {
		return invalid("job task cannot be empty")
	}
	if cfg.Schedule == "" {
		return invalid("job schedule cannot be empty")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return apperr.WrapError(apperr.ErrInvalidArgument, "invalid job schedule", err).
			WithContext("job", cfg.Name).
			WithContext("schedule", cfg.Schedule)
	}
	return nil
}

func notFound(name string) error {
	return apperr.NewError(apperr.ErrInvalidArgument, "job not found").WithContext("job", name)
}
