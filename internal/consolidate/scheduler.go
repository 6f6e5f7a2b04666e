package consolidate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Scheduler runs consolidation cycles when the host is idle, bounded by a
// worker semaphore and per-job timeouts. Job lifecycle is durable: every
// transition lands in the job table before and after the work.
type Scheduler struct {
	tracker *Tracker
	worker  *Worker
	idle    *IdleWatcher
	cfg     config.ConsolidateConfig

	sem      chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler wires the tracker, worker, and idle gate together.
func NewScheduler(tracker *Tracker, worker *Worker, idle *IdleWatcher, cfg config.ConsolidateConfig) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		tracker:  tracker,
		worker:   worker,
		idle:     idle,
		cfg:      cfg,
		sem:      make(chan struct{}, maxConcurrent),
		stopChan: make(chan struct{}),
	}
}

// Start recovers orphaned jobs and begins the background loop. The loop
// wakes on the poll interval, and fires a cycle only when the idle gate
// is open.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.tracker.Recover(); err != nil {
		return err
	}
	s.idle.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	logging.Info("consolidate", "scheduler started (workers=%d, job timeout=%v)",
		cap(s.sem), s.cfg.JobTimeout())
	return nil
}

// Stop halts the loop and waits for in-flight jobs to finish or time out.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.idle.Stop()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if !s.idle.Idle() {
				continue
			}
			s.RunCycle(ctx)
		}
	}
}

// RunCycle consolidates every currently due user, blocking until all jobs
// in the cycle finish. Exposed for the manual CLI, which runs one cycle
// and exits.
func (s *Scheduler) RunCycle(ctx context.Context) {
	due, err := s.tracker.DueUsers(time.Now())
	if err != nil {
		logging.Warn("consolidate", "due users: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logging.Info("consolidate", "cycle: %d user(s) due", len(due))

	var cycle sync.WaitGroup
	for _, userID := range due {
		select {
		case <-ctx.Done():
			cycle.Wait()
			return
		case <-s.stopChan:
			cycle.Wait()
			return
		case s.sem <- struct{}{}:
		}

		cycle.Add(1)
		go func(userID string) {
			defer cycle.Done()
			defer func() { <-s.sem }()
			s.runJob(ctx, userID)
		}(userID)
	}
	cycle.Wait()
}

// runJob executes one user's consolidation under the job timeout and
// records every lifecycle transition.
func (s *Scheduler) runJob(ctx context.Context, userID string) {
	job := &types.ConsolidationJob{
		ID:     uuid.New().String(),
		UserID: userID,
		Status: types.JobPending,
	}
	if err := s.tracker.SaveJob(job); err != nil {
		logging.Warn("consolidate", "save pending job for %s: %v", userID, err)
		return
	}

	job.Status = types.JobRunning
	job.StartedAt = time.Now()
	if err := s.tracker.SaveJob(job); err != nil {
		logging.Warn("consolidate", "save running job for %s: %v", userID, err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout())
	defer cancel()

	res, err := s.worker.Run(jobCtx, userID)
	job.Duration = time.Since(job.StartedAt)
	job.ExperiencesProcessed = res.ExperiencesProcessed

	switch {
	case err == nil:
		job.Status = types.JobCompleted
	case errors.Is(err, context.DeadlineExceeded):
		// Partial progress is already checkpointed per experience.
		job.Status = types.JobTimedOut
		job.Error = types.ErrJobTimedOut.Error()
		logging.Warn("consolidate", "job for %s timed out after %v (%d experiences kept)",
			userID, job.Duration, res.ExperiencesProcessed)
	case errors.Is(err, context.Canceled):
		job.Status = types.JobFailed
		job.Error = "canceled"
	default:
		job.Status = types.JobFailed
		job.Error = err.Error()
		logging.Warn("consolidate", "job for %s failed: %v", userID, err)
	}

	if err := s.tracker.SaveJob(job); err != nil {
		logging.Warn("consolidate", "save final job for %s: %v", userID, err)
	}
	if job.Status == types.JobCompleted || job.Status == types.JobTimedOut {
		if err := s.tracker.RecordRun(userID, time.Now()); err != nil {
			logging.Warn("consolidate", "record run for %s: %v", userID, err)
		}
	}
}
