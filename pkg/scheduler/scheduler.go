// Package scheduler runs named periodic tasks on cron specs. A task never
// overlaps itself: a firing that finds the previous one still running is
// dropped. Different tasks run independently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/logging"
	"github.com/canopy-network/scorekeeper/pkg/metrics"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

// Task is a job body. Its error is logged at the task boundary.
type Task func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	task    Task
	entryID cron.EntryID
	running atomic.Bool
}

// Scheduler owns the cron loop and one guard per registered job.
type Scheduler struct {
	cron    *cron.Cron
	jobs    *xsync.Map[string, *job]
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped Scheduler. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := logging.CronLogger{Logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// Seconds field first, like every spec in pkg/config.
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger)), cron.WithLogger(cronLogger)),
		jobs:    xsync.NewMap[string, *job](),
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job under a unique name.
func (s *Scheduler) Register(name, spec string, task Task) error {
	j := &job{name: name, spec: spec, task: task}
	if _, loaded := s.jobs.LoadOrStore(name, j); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(j) })
	if err != nil {
		s.jobs.Delete(name)
		return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}
	j.entryID = id
	s.logger.Info("Job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Trigger runs a job now on the calling goroutine, subject to the same
// guard as scheduled firings. It reports whether the body ran.
func (s *Scheduler) Trigger(name string) (bool, error) {
	j, ok := s.jobs.Load(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(j), nil
}

// Start begins firing jobs. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", s.jobs.Size()))
}

// Stop stops firing, cancels running bodies and waits for them to return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.mu.RLock()
	s.cancel()
	s.mu.RUnlock()
	<-stopped.Done()
	s.logger.Info("Scheduler stopped")
}

// Running reports the guard of every registered job.
func (s *Scheduler) Running() map[string]bool {
	out := make(map[string]bool, s.jobs.Size())
	s.jobs.Range(func(name string, j *job) bool {
		out[name] = j.running.Load()
		return true
	})
	return out
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
}

// Jobs lists the registered jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	var out []JobInfo
	s.jobs.Range(func(name string, j *job) bool {
		entry := s.cron.Entry(j.entryID)
		out = append(out, JobInfo{
			Name:    name,
			Spec:    j.spec,
			Running: j.running.Load(),
			Next:    entry.Next,
			Prev:    entry.Prev,
		})
		return true
	})
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// run executes j unless it is already running. The guard is cleared when
// the body returns or panics.
func (s *Scheduler) run(j *job) (ran bool) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Debug("Job still running, skipping firing", zap.String("job", j.name))
		s.metrics.JobOutcome(j.name, metrics.OutcomeSkipped)
		return false
	}
	defer j.running.Store(false)
	ran = true

	start := time.Now()
	defer func() {
		s.metrics.JobDuration(j.name, time.Since(start))
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", zap.String("job", j.name), zap.Any("panic", r), zap.Stack("stack"))
			s.metrics.JobOutcome(j.name, metrics.OutcomeFailed)
		}
	}()

	if err := j.task(s.context()); err != nil {
		s.logger.Error("Job failed", zap.String("job", j.name), zap.Error(err), zap.Duration("took", time.Since(start)))
		s.metrics.JobOutcome(j.name, metrics.OutcomeFailed)
		return ran
	}
	s.logger.Debug("Job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
	s.metrics.JobOutcome(j.name, metrics.OutcomeRun)
	return ran
}
