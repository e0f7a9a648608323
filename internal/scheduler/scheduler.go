package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-guardian/internal/lock"
	"wisefido-guardian/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrLeaseHeld 租约被其他执行者持有，本次跳过
var ErrLeaseHeld = errors.New("lease held by another runner")

// ErrUnknownJob 任务未注册
var ErrUnknownJob = errors.New("unknown job")

// Job 周期任务
type Job struct {
	Name     string
	Every    time.Duration
	Timeout  time.Duration // 单次执行上限
	LeaseTTL time.Duration // 为 0 时取 Timeout
	Run      func(ctx context.Context) error
}

// Scheduler 周期巡检调度：同一任务不重叠执行，任务之间互不影响
type Scheduler struct {
	cron    *cron.Cron
	lease   lock.Lease
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

// New 创建调度器，lease 为 nil 时不做跨实例互斥
func New(lease lock.Lease, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		lease:   lease,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Add 注册周期任务
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run func are required")
	}
	if job.Every <= 0 || job.Timeout <= 0 {
		return fmt.Errorf("job %s: interval and timeout must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	id, err := s.cron.AddFunc("@every "+job.Every.String(), func() {
		_ = s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id

	s.logger.Info("Scheduled job",
		zap.String("job", job.Name),
		zap.Duration("every", job.Every),
		zap.Duration("timeout", job.Timeout),
	)
	return nil
}

// Remove 取消单个任务，不影响其他任务
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.jobs, name)
	s.logger.Info("Removed job", zap.String("job", name))
	return true
}

// RunNow 立即同步执行一次
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	if s.lease != nil {
		ttl := job.LeaseTTL
		if ttl <= 0 {
			ttl = job.Timeout
		}
		release, ok, leaseErr := s.lease.TryAcquire(runCtx, job.Name, ttl)
		if leaseErr != nil {
			s.logger.Error("Failed to acquire job lease", zap.String("job", job.Name), zap.Error(leaseErr))
			s.metrics.SweepRun(job.Name, "error", 0)
			return leaseErr
		}
		if !ok {
			s.logger.Debug("Job lease held elsewhere, skipping run", zap.String("job", job.Name))
			s.metrics.SweepRun(job.Name, "skipped", 0)
			return ErrLeaseHeld
		}
		defer release()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			s.logger.Error("Job failed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		s.metrics.SweepRun(job.Name, outcome, time.Since(start))
	}()

	return job.Run(runCtx)
}

// cronLogger 将 cron 日志接入 zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
