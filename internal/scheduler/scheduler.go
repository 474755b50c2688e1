// Package scheduler runs the maintenance tasks on fixed intervals inside the
// server process.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	cleanupInterval = 24 * time.Hour
	jobTimeout      = 10 * time.Minute // Maximum time for a single job run

	DefaultRenewInterval = time.Hour
	DefaultPollInterval  = 15 * time.Minute
)

// Job names.
const (
	JobRenew   = "renew"
	JobPoll    = "poll"
	JobCleanup = "cleanup"
)

// Job represents a scheduled task.
type Job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	ticker   *time.Ticker
	stopCh   chan struct{}
}

// Intervals configures how often each task runs. A zero interval uses the
// default; a negative one disables the job.
type Intervals struct {
	Renew time.Duration
	Poll  time.Duration
}

// Scheduler manages background jobs.
type Scheduler struct {
	tasks     *Tasks
	intervals Intervals

	mu       sync.RWMutex
	jobs     map[string]*Job
	jobLocks map[string]*sync.Mutex // Per-job locks to prevent overlapping runs
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// New creates a new scheduler.
func New(tasks *Tasks, intervals Intervals) *Scheduler {
	if intervals.Renew == 0 {
		intervals.Renew = DefaultRenewInterval
	}
	if intervals.Poll == 0 {
		intervals.Poll = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:     tasks,
		intervals: intervals,
		jobs:      make(map[string]*Job),
		jobLocks:  make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the renewal, poll and cleanup jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.intervals.Renew > 0 {
		s.AddJob(JobRenew, s.intervals.Renew, func(ctx context.Context) {
			_, _ = s.tasks.RenewChannel(ctx)
		})
	}
	if s.intervals.Poll > 0 {
		s.AddJob(JobPoll, s.intervals.Poll, func(ctx context.Context) {
			_, _ = s.tasks.Poll(ctx)
		})
	}
	s.AddJob(JobCleanup, cleanupInterval, func(ctx context.Context) {
		_, _ = s.tasks.CleanExpired(ctx)
	})

	log.Printf("[Scheduler] Started with %d jobs", s.GetJobCount())
	return nil
}

// Stop gracefully shuts down all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	// Cancel context to stop all jobs
	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	// Wait for all goroutines to finish
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// AddJob adds or replaces a job. The job runs once immediately and then on
// every tick.
func (s *Scheduler) AddJob(name string, interval time.Duration, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[name]; exists {
		close(existing.stopCh)
		existing.ticker.Stop()
	}

	job := &Job{
		name:     name,
		interval: interval,
		run:      run,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
	}
	s.jobs[name] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("[Scheduler] Added job %s with interval %v", name, interval)
}

// RemoveJob removes a job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, name)
		log.Printf("[Scheduler] Removed job %s", name)
	}
}

// UpdateJobInterval updates the interval for an existing job.
func (s *Scheduler) UpdateJobInterval(name string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		job.interval = interval
		job.ticker.Reset(interval)
		log.Printf("[Scheduler] Updated interval for job %s to %v", name, interval)
	}
}

// TriggerJob runs a job once outside its schedule. It reports false when
// the job is unknown.
func (s *Scheduler) TriggerJob(name string) bool {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(job)
	}()
	return true
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	// Run immediately on start
	s.execute(job)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.execute(job)
		}
	}
}

// getJobLock returns the mutex for a job, creating one if needed.
func (s *Scheduler) getJobLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.jobLocks[name]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.jobLocks[name] = lock
	return lock
}

func (s *Scheduler) execute(job *Job) {
	lock := s.getJobLock(job.name)

	// Skip if the previous run of this job is still in progress
	if !lock.TryLock() {
		log.Printf("[Scheduler] Skipping %s - previous run still in progress", job.name)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	job.run(ctx)
}
