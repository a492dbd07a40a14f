// Package scheduler runs the worker's background jobs. Jobs run on
// interval or cron schedules, can be paused and triggered manually, and
// are isolated from each other: a panicking job is recorded as a failed
// run, never a crashed worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB CONTRACT
// ══════════════════════════════════════════════════════════════════════════════

// Job is one unit of background work. The worker registers a Job per
// maintenance task: the leaderboard rebuild, the streak audit, retention
// pruning.
type Job interface {
	// Name identifies the job in logs, metrics and lookups. It must be
	// unique within a scheduler.
	Name() string

	// Run does the work. The context carries the run timeout and is
	// cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description is a one-line summary for operators.
	Description() string
}

// Schedule decides when a job runs next. CronExpression and
// IntervalSchedule implement it.
type Schedule interface {
	// Next returns the first run time strictly after t.
	Next(t time.Time) time.Time

	// String renders the schedule for logs.
	String() string
}

// JobResult is the outcome of one run. The most recent result per job is
// kept for introspection.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
}

// Run outcomes reported to metrics.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomePanic = "panic"
)

// DefaultJobTimeout bounds a single job run unless configured otherwise.
const DefaultJobTimeout = 10 * time.Minute

// pollInterval is how often the run loop checks for due jobs. Schedules
// have minute granularity at most, so one second is plenty.
const pollInterval = time.Second

var (
	ErrNilJob      = errors.New("scheduler: nil job")
	ErrNilSchedule = errors.New("scheduler: nil schedule")

	// ErrJobAlreadyExists rejects a second Register under the same name.
	ErrJobAlreadyExists = errors.New("scheduler: job already registered")

	// ErrJobNotFound is returned for lookups of unregistered job names.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrJobPanic wraps the recovered value of a job that panicked.
	ErrJobPanic = errors.New("scheduler: job panicked")

	ErrSchedulerAlreadyRunning = errors.New("scheduler: already running")
	ErrSchedulerNotRunning     = errors.New("scheduler: not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler owns the registered jobs and the loop that fires them.
type Scheduler struct {
	mu sync.RWMutex

	logger     *slog.Logger
	timezone   *time.Location
	jobTimeout time.Duration
	metrics    *schedulerMetrics

	jobs      map[string]*scheduledJob
	lastRuns  map[string]*JobResult
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// scheduledJob is a registered job plus its run state.
type scheduledJob struct {
	job       Job
	schedule  Schedule
	enabled   bool
	lastRun   time.Time
	nextRun   time.Time
	runCount  int64
	failCount int64
}

// SchedulerConfig contains configuration for the Scheduler. The zero
// value is usable; NewScheduler fills in defaults.
type SchedulerConfig struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// JobTimeout bounds each run; non-positive means DefaultJobTimeout.
	JobTimeout time.Duration

	// Registerer receives scheduler metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// NewScheduler creates a stopped Scheduler. Register jobs, then Start it.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultJobTimeout
	}

	s := &Scheduler{
		logger:     config.Logger,
		timezone:   config.Timezone,
		jobTimeout: config.JobTimeout,
		jobs:       make(map[string]*scheduledJob),
		lastRuns:   make(map[string]*JobResult),
	}

	if config.Registerer != nil {
		s.metrics = newSchedulerMetrics(config.Registerer)
	}

	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register adds a job under the given schedule. The job starts enabled,
// with its first run computed from the current time.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	now := time.Now().In(s.timezone)
	sj := &scheduledJob{
		job:      job,
		schedule: schedule,
		enabled:  true,
		nextRun:  schedule.Next(now),
	}

	s.jobs[name] = sj
	if s.metrics != nil {
		s.metrics.registered.Inc()
	}

	s.logger.Info("job registered",
		"job", name,
		"schedule", schedule.String(),
		"next_run", sj.nextRun.Format(time.RFC3339),
	)

	return nil
}

// Unregister removes a job. An in-flight run is not interrupted.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	delete(s.jobs, name)
	if s.metrics != nil {
		s.metrics.registered.Dec()
	}
	s.logger.Info("job unregistered", "job", name)

	return nil
}

// EnableJob resumes a paused job. The next run is recomputed from now, so
// a job paused across several due times does not fire once per missed run.
func (s *Scheduler) EnableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	sj.enabled = true
	sj.nextRun = sj.schedule.Next(time.Now().In(s.timezone))
	s.logger.Info("job enabled", "job", name, "next_run", sj.nextRun)

	return nil
}

// DisableJob pauses a job. It stays registered and RunNow still works.
func (s *Scheduler) DisableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	sj.enabled = false
	s.logger.Info("job disabled", "job", name)

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the run loop. Jobs can still be registered afterwards.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = time.Now()
	jobCount := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs_count", jobCount)

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop cancels the run loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info("scheduler stopped",
		"uptime", time.Since(s.startedAt).String(),
	)

	return nil
}

// IsRunning reports whether the run loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// RUN LOOP
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunJobs()
		}
	}
}

// checkAndRunJobs starts every enabled job whose next run is due. Each
// due job runs on its own goroutine; a slow job delays nobody.
func (s *Scheduler) checkAndRunJobs() {
	now := time.Now().In(s.timezone)

	s.mu.RLock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if sj.enabled && !sj.nextRun.IsZero() && now.After(sj.nextRun) {
			due = append(due, sj)
		}
	}
	s.mu.RUnlock()

	for _, sj := range due {
		s.wg.Add(1)
		go s.runJob(sj)
	}
}

// runJob executes one scheduled run and records the result.
func (s *Scheduler) runJob(sj *scheduledJob) {
	defer s.wg.Done()

	name := sj.job.Name()
	startedAt := time.Now()

	s.logger.Info("job started", "job", name)

	// The next run is computed from the start time, before executing, so a
	// long run cannot push its successor indefinitely.
	s.mu.Lock()
	sj.lastRun = startedAt
	sj.nextRun = sj.schedule.Next(startedAt.In(s.timezone))
	sj.runCount++
	s.mu.Unlock()

	err := s.executeJob(s.ctx, sj.job)
	result := s.recordRun(name, startedAt, err)

	s.mu.Lock()
	if err != nil {
		sj.failCount++
	}
	s.lastRuns[name] = &result
	s.mu.Unlock()
}

// executeJob runs one job with the configured timeout and panic containment.
func (s *Scheduler) executeJob(ctx context.Context, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanic, r)
		}
	}()

	return job.Run(ctx)
}

// recordRun updates metrics and logs for one completed run.
func (s *Scheduler) recordRun(name string, startedAt time.Time, err error) JobResult {
	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)

	outcome := outcomeOK
	switch {
	case errors.Is(err, ErrJobPanic):
		outcome = outcomePanic
	case err != nil:
		outcome = outcomeError
	}

	if s.metrics != nil {
		s.metrics.runs.WithLabelValues(name, outcome).Inc()
		s.metrics.duration.WithLabelValues(name).Observe(duration.Seconds())
	}

	if err != nil {
		s.logger.Error("job failed",
			"job", name,
			"duration", duration.String(),
			"error", err,
		)
	} else {
		s.logger.Info("job completed",
			"job", name,
			"duration", duration.String(),
		)
	}

	return JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
		Success:     err == nil,
		Error:       err,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MANUAL RUNS
// ══════════════════════════════════════════════════════════════════════════════

// RunNow executes a job immediately, ignoring its schedule and enabled
// state. The run uses the caller's context rather than the scheduler's,
// still bounded by the job timeout and isolated from panics, so it works
// on a scheduler that was never started.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.RLock()
	sj, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	startedAt := time.Now()
	s.logger.Info("manual job execution started", "job", name)

	err := s.executeJob(ctx, sj.job)
	result := s.recordRun(name, startedAt, err)

	s.mu.Lock()
	s.lastRuns[name] = &result
	s.mu.Unlock()

	return &result, err
}

// ══════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo is a point-in-time snapshot of one registered job.
type JobInfo struct {
	Name        string
	Description string
	Enabled     bool
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

// ListJobs snapshots every registered job, in no particular order.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name := range s.jobs {
		infos = append(infos, s.jobInfoLocked(name))
	}
	return infos
}

// GetJobInfo snapshots one job by name.
func (s *Scheduler) GetJobInfo(name string) (*JobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[name]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	info := s.jobInfoLocked(name)
	return &info, nil
}

func (s *Scheduler) jobInfoLocked(name string) JobInfo {
	sj := s.jobs[name]
	return JobInfo{
		Name:        name,
		Description: sj.job.Description(),
		Enabled:     sj.enabled,
		Schedule:    sj.schedule.String(),
		LastRun:     sj.lastRun,
		NextRun:     sj.nextRun,
		RunCount:    sj.runCount,
		FailCount:   sj.failCount,
		LastResult:  s.lastRuns[name],
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// schedulerMetrics tracks job runs and durations.
type schedulerMetrics struct {
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	registered prometheus.Gauge
}

func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	factory := promauto.With(reg)
	return &schedulerMetrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progress_engine",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Job runs, by job name and outcome.",
		}, []string{"job", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "progress_engine",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job run durations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}, []string{"job"}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "progress_engine",
			Subsystem: "scheduler",
			Name:      "jobs_registered",
			Help:      "Currently registered jobs.",
		}),
	}
}
