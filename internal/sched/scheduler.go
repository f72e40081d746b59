// Package sched is the task orchestrator: it owns named periodic jobs,
// guarantees at most one concurrent execution per job, and exposes
// manual trigger, pause, and resume.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carwatch/internal/metrics"
)

// ErrJobRunning is returned by TriggerNow when the job is mid-execution.
var ErrJobRunning = errors.New("job is already running")

// ErrUnknownJob is returned for job ids that were never registered.
var ErrUnknownJob = errors.New("unknown job")

// Clock abstracts time so tests can drive the scheduler deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// JobFunc is one job execution. The context carries the per-execution
// wall-clock budget; implementations must return when it is done.
type JobFunc func(ctx context.Context) error

// Job describes a named periodic job. Exactly one of Interval or DailyAt
// drives the schedule: a positive Interval means fixed-rate, otherwise
// the job fires once per day at hour DailyAt (UTC).
type Job struct {
	ID           string
	Interval     time.Duration
	DailyAt      int
	MisfireGrace time.Duration
	Timeout      time.Duration
	Run          JobFunc
}

// Locker provides cross-process exclusivity for one execution. Optional;
// without it exclusivity holds within this process only.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// JobStatus is the externally visible state of one job.
type JobStatus struct {
	JobID       string    `json:"job_id"`
	NextRunTime time.Time `json:"next_run_time"`
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type jobState struct {
	job         Job
	nextRun     time.Time
	running     bool
	paused      bool
	lastOutcome string
	lastError   string
}

// Scheduler runs registered jobs on their schedules. A tick that fires
// while the previous execution of the same job is still running is
// dropped, never queued, so a slow run cannot build a backlog.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*jobState
	order  []string
	clock  Clock
	locker Locker
	logger *zap.Logger

	// baseCtx is the lifecycle context from Start. Executions derive
	// from it, never from a caller's request context.
	baseCtx context.Context

	pollInterval time.Duration
	wg           sync.WaitGroup
}

// New creates a scheduler. locker may be nil.
func New(clock Clock, locker Locker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:         make(map[string]*jobState),
		clock:        clock,
		locker:       locker,
		logger:       logger,
		pollInterval: time.Second,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Run == nil {
		return fmt.Errorf("job needs an id and a run function")
	}
	if job.Interval <= 0 && (job.DailyAt < 0 || job.DailyAt > 23) {
		return fmt.Errorf("job %s: daily hour out of range", job.ID)
	}
	if job.MisfireGrace <= 0 {
		job.MisfireGrace = time.Minute
	}
	if job.Timeout <= 0 {
		job.Timeout = 10 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}

	s.jobs[job.ID] = &jobState{
		job:     job,
		nextRun: s.nextAfter(job, s.clock.Now()),
	}
	s.order = append(s.order, job.ID)

	s.logger.Info("job registered",
		zap.String("job", job.ID),
		zap.Duration("interval", job.Interval),
		zap.Int("daily_at", job.DailyAt),
	)

	return nil
}

// Start runs the scheduling loop until ctx is canceled, then waits for
// in-flight executions to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due job once. Exposed to tests in-package.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		st := s.jobs[id]
		if st.paused || now.Before(st.nextRun) {
			continue
		}

		scheduled := st.nextRun
		st.nextRun = s.nextAfter(st.job, now)

		if st.running {
			// Coalesce: previous execution still in flight.
			metrics.RecordJobTickDropped(id)
			s.logger.Warn("tick dropped, previous execution still running",
				zap.String("job", id),
			)
			continue
		}

		if now.Sub(scheduled) > st.job.MisfireGrace {
			// Missed by more than the grace window (restart, long GC
			// pause). Skip rather than stampede.
			metrics.RecordJobExecution(id, "misfired")
			s.logger.Warn("misfired tick skipped",
				zap.String("job", id),
				zap.Time("scheduled", scheduled),
				zap.Duration("late_by", now.Sub(scheduled)),
			)
			continue
		}

		s.launch(ctx, st)
	}
}

// launch starts one execution. Caller holds s.mu.
func (s *Scheduler) launch(ctx context.Context, st *jobState) {
	st.running = true
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		outcome, err := s.execute(ctx, st.job)

		s.mu.Lock()
		st.running = false
		st.lastOutcome = outcome
		if err != nil {
			st.lastError = err.Error()
		} else {
			st.lastError = ""
		}
		s.mu.Unlock()
	}()
}

func (s *Scheduler) execute(ctx context.Context, job Job) (string, error) {
	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, job.ID)
		if err != nil {
			s.logger.Error("job lock error", zap.String("job", job.ID), zap.Error(err))
			metrics.RecordJobExecution(job.ID, "lock_error")
			return "lock_error", err
		}
		if !acquired {
			// Another instance holds this tick.
			metrics.RecordJobExecution(job.ID, "locked")
			return "locked", nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.locker.Release(releaseCtx, job.ID); err != nil {
				s.logger.Warn("job lock release failed", zap.String("job", job.ID), zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := s.clock.Now()
	err := job.Run(runCtx)
	duration := s.clock.Now().Sub(start)

	if err != nil {
		// Failures are logged and waited out; the job is not re-entered
		// until its next scheduled tick.
		metrics.RecordJobExecution(job.ID, "failed")
		s.logger.Error("job execution failed",
			zap.String("job", job.ID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return "failed", err
	}

	metrics.RecordJobExecution(job.ID, "completed")
	s.logger.Info("job execution completed",
		zap.String("job", job.ID),
		zap.Duration("duration", duration),
	)

	return "completed", nil
}

// TriggerNow forces an out-of-schedule execution. Still subject to the
// no-overlap invariant; the regular schedule is unaffected. The run is
// detached from the caller's context: an HTTP trigger completes its
// response long before the job does, and canceling the request must not
// cancel the run.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if st.running {
		return ErrJobRunning
	}

	base := s.baseCtx
	if base == nil {
		base = context.WithoutCancel(ctx)
	}

	s.logger.Info("manual trigger", zap.String("job", jobID))
	s.launch(base, st)

	return nil
}

// Pause stops scheduling a job until Resume. A running execution is not
// interrupted.
func (s *Scheduler) Pause(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}

	st.paused = true
	s.logger.Info("job paused", zap.String("job", jobID))

	return nil
}

// Resume re-enables a paused job, scheduling its next run from now.
func (s *Scheduler) Resume(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}

	st.paused = false
	st.nextRun = s.nextAfter(st.job, s.clock.Now())
	s.logger.Info("job resumed", zap.String("job", jobID), zap.Time("next_run", st.nextRun))

	return nil
}

// Status returns the state of every job in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.jobs[id]
		statuses = append(statuses, JobStatus{
			JobID:       id,
			NextRunTime: st.nextRun,
			Running:     st.running,
			Paused:      st.paused,
			LastOutcome: st.lastOutcome,
			LastError:   st.lastError,
		})
	}

	return statuses
}

func (s *Scheduler) nextAfter(job Job, now time.Time) time.Time {
	if job.Interval > 0 {
		return now.Add(job.Interval)
	}

	next := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), job.DailyAt, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
