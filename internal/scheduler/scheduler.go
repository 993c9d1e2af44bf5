// Package scheduler drives the periodic sweeps of the intake workflow. A
// cron runner dispatches queued ETL payloads once their deferral window has
// elapsed and restarts pipeline runs that have gone stale.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"seqcore/internal/core"
	"seqcore/internal/logging"
	"seqcore/pkg/domain"

	"github.com/robfig/cron/v3"
)

// Schedules for the two sweeps. Overridable through Config for tests and
// deployments with different pacing needs.
const (
	DefaultQueueSchedule = "@every 1m"
	DefaultStaleSchedule = "@every 2m"
)

// Config holds scheduler pacing. Zero values fall back to the defaults.
type Config struct {
	QueueSchedule string
	StaleSchedule string
}

// Scheduler owns the cron runner. Both sweeps are wrapped with
// SkipIfStillRunning so a slow pass never stacks behind itself.
type Scheduler struct {
	cron     *cron.Cron
	service  *core.Service
	logger   logging.Logger
	nowFn    func() time.Time
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler bound to the given service. The sweeps are
// registered immediately; nothing runs until Start.
func New(cfg Config, service *core.Service, logger logging.Logger) (*Scheduler, error) {
	logger = logging.OrNop(logger)
	if cfg.QueueSchedule == "" {
		cfg.QueueSchedule = DefaultQueueSchedule
	}
	if cfg.StaleSchedule == "" {
		cfg.StaleSchedule = DefaultStaleSchedule
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		service: service,
		logger:  logger,
		nowFn:   time.Now,
		stopped: make(chan struct{}),
	}

	if _, err := s.cron.AddFunc(cfg.QueueSchedule, s.SweepQueue); err != nil {
		return nil, fmt.Errorf("register queue sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.StaleSchedule, s.SweepStale); err != nil {
		return nil, fmt.Errorf("register staleness sweep: %w", err)
	}
	return s, nil
}

// SetNow overrides the clock and returns a restore function.
func (s *Scheduler) SetNow(fn func() time.Time) func() {
	prev := s.nowFn
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
	return func() { s.nowFn = prev }
}

// Start begins the cron loop and stops it when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the cron loop and waits for any in-flight sweep to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once Stop has fully drained.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// SweepQueue dispatches every pending scheduled task whose deferral window
// has elapsed. Tasks scheduled exactly at the sweep instant wait for the
// next pass. Each task is handled in isolation so one bad payload cannot
// block the rest of the queue.
func (s *Scheduler) SweepQueue() {
	now := s.nowFn().UTC()
	due := 0
	for _, task := range s.service.Store().ListScheduledTasks() {
		if task.Status != domain.TaskPending {
			continue
		}
		if !task.ScheduledAt.Before(now) {
			continue
		}
		due++
		s.dispatchTask(task)
	}
	if due > 0 {
		s.logger.Info("queue sweep dispatched %d task(s)", due)
	}
}

// dispatchTask processes one queued payload and stamps the task row with
// the outcome. A panic in processing marks the task failed rather than
// taking down the sweep.
func (s *Scheduler) dispatchTask(task domain.ScheduledEtlTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("queue sweep: task %s panicked: %v", task.ID, r)
			s.stampTask(task.ID, domain.TaskFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx := context.Background()
	outcome := s.service.ProcessQueuedResult(ctx, task.EtlData)
	status := domain.TaskCompleted
	if !outcome.Success {
		status = domain.TaskFailed
		s.logger.Warn("queue sweep: task %s failed: %s", task.ID, outcome.Message)
	}
	s.stampTask(task.ID, status, outcome.Message)
}

func (s *Scheduler) stampTask(id string, status domain.TaskStatus, message string) {
	processedAt := s.nowFn().UTC()
	_, err := s.service.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateScheduledTask(id, func(t *domain.ScheduledEtlTask) error {
			t.Status = status
			t.ProcessedAt = &processedAt
			if status == domain.TaskFailed {
				t.ErrorMessage = message
			}
			return nil
		})
		return err
	})
	if err != nil {
		s.logger.Error("queue sweep: stamp task %s: %v", id, err)
	}
}

// SweepStale restarts pipeline runs that have sat in PROCESSING beyond the
// staleness cutoff.
func (s *Scheduler) SweepStale() {
	restarted := s.service.ReprocessStale(context.Background())
	if restarted > 0 {
		s.logger.Info("staleness sweep restarted %d run(s)", restarted)
	}
}
