package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/logger"
)

// recordingExecutor 记录执行过的任务，可以让指定任务失败或阻塞
type recordingExecutor struct {
	mu    sync.Mutex
	ran   []string
	fail  map[string]error
	block chan struct{}
}

func (e *recordingExecutor) Execute(ctx context.Context, job JobConfig) error {
	e.mu.Lock()
	e.ran = append(e.ran, job.Name)
	err := e.fail[job.Name]
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *recordingExecutor) runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func newTestScheduler(t *testing.T, exec Executor, opts ...Option) *Scheduler {
	t.Helper()
	s := New(exec, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func cleanupJob(name string) JobConfig {
	return JobConfig{Name: name, Enabled: true, Schedule: "@every 1h", Task: TaskCacheCleanup}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  JobConfig
		wantErr bool
	}{
		{"有效配置", JobConfig{Name: "a", Schedule: "0 */5 * * * *", Task: TaskCacheCleanup}, false},
		{"描述符调度", JobConfig{Name: "a", Schedule: "@every 5m", Task: TaskStatsReport}, false},
		{"缺少名称", JobConfig{Schedule: "@every 5m", Task: TaskCacheCleanup}, true},
		{"缺少任务类型", JobConfig{Name: "a", Schedule: "@every 5m"}, true},
		{"缺少调度", JobConfig{Name: "a", Task: TaskCacheCleanup}, true},
		{"无效表达式", JobConfig{Name: "a", Schedule: "every five minutes", Task: TaskCacheCleanup}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.HasCode(err, apperr.ErrInvalidArgument))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_AddAndRemove(t *testing.T) {
	s := newTestScheduler(t, &recordingExecutor{})

	require.NoError(t, s.Add(cleanupJob("cleanup")))
	assert.Error(t, s.Add(cleanupJob("cleanup")), "duplicate names are rejected")

	job, ok := s.Job("cleanup")
	require.True(t, ok)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateIdle, job.State)

	require.NoError(t, s.Remove("cleanup"))
	_, ok = s.Job("cleanup")
	assert.False(t, ok)
	assert.Error(t, s.Remove("cleanup"))
}

func TestScheduler_Load(t *testing.T) {
	s := newTestScheduler(t, &recordingExecutor{})

	added := s.Load([]JobConfig{
		cleanupJob("b-cleanup"),
		{Name: "a-report", Enabled: false, Schedule: "@every 1m", Task: TaskStatsReport},
		{Name: "broken", Enabled: true, Schedule: "nope", Task: TaskCacheCleanup},
		cleanupJob("b-cleanup"),
	})
	assert.Equal(t, 2, added)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a-report", jobs[0].Config.Name)
	assert.Equal(t, StateDisabled, jobs[0].State)
	assert.Equal(t, "b-cleanup", jobs[1].Config.Name)
}

func TestScheduler_TriggerRecordsOutcome(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]error{"report": errors.New("influx down")}}
	s := newTestScheduler(t, exec)
	require.NoError(t, s.Add(cleanupJob("cleanup")))
	require.NoError(t, s.Add(JobConfig{Name: "report", Enabled: true, Schedule: "@every 1m", Task: TaskStatsReport}))
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "cleanup"))
	err := s.Trigger(ctx, "report")
	assert.EqualError(t, err, "influx down")

	cleanup, _ := s.Job("cleanup")
	assert.Equal(t, int64(1), cleanup.Runs)
	assert.Equal(t, int64(0), cleanup.Failures)
	assert.False(t, cleanup.LastRun.IsZero())

	report, _ := s.Job("report")
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, int64(1), report.Failures)
	assert.Equal(t, "influx down", report.LastError)

	// 成功执行后清除错误
	exec.mu.Lock()
	delete(exec.fail, "report")
	exec.mu.Unlock()
	require.NoError(t, s.Trigger(ctx, "report"))
	report, _ = s.Job("report")
	assert.Equal(t, StateIdle, report.State)
	assert.Empty(t, report.LastError)
	assert.Equal(t, int64(2), report.Runs)

	assert.Equal(t, []string{"cleanup", "report", "report"}, exec.runs())
}

func TestScheduler_TriggerRejectsUnknownAndDisabled(t *testing.T) {
	s := newTestScheduler(t, &recordingExecutor{})
	require.NoError(t, s.Add(JobConfig{Name: "off", Schedule: "@every 1m", Task: TaskStatsReport}))

	assert.Error(t, s.Trigger(context.Background(), "missing"))
	assert.Error(t, s.Trigger(context.Background(), "off"))
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{})}
	s := newTestScheduler(t, exec)
	require.NoError(t, s.Add(cleanupJob("cleanup")))

	errc := make(chan error, 1)
	go func() { errc <- s.Trigger(context.Background(), "cleanup") }()

	require.Eventually(t, func() bool {
		job, _ := s.Job("cleanup")
		return job.State == StateRunning
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, s.Trigger(context.Background(), "cleanup"))

	close(exec.block)
	require.NoError(t, <-errc)
	assert.Len(t, exec.runs(), 1)
}

func TestScheduler_JobTimeout(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{})}
	s := newTestScheduler(t, exec, WithTimeout(time.Hour))
	job := cleanupJob("cleanup")
	job.Timeout = 20 * time.Millisecond
	require.NoError(t, s.Add(job))

	err := s.Trigger(context.Background(), "cleanup")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(t, ExecutorFunc(func(ctx context.Context, job JobConfig) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, s.Add(JobConfig{Name: "tick", Enabled: true, Schedule: "@every 1s", Task: TaskCacheCleanup}))

	s.Start()
	require.Eventually(t, func() bool {
		job, _ := s.Job("tick")
		return !job.NextRun.IsZero()
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{})}
	s := New(exec, WithLogger(logger.Discard()))
	require.NoError(t, s.Add(JobConfig{Name: "tick", Enabled: true, Schedule: "@every 1s", Task: TaskCacheCleanup}))
	s.Start()

	require.Eventually(t, func() bool { return len(exec.runs()) == 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	job, _ := s.Job("tick")
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.LastError, "context canceled")
	assert.Error(t, s.Trigger(context.Background(), "tick"), "stopped scheduler rejects runs")
}
