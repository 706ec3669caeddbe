// Package schedule runs the pipeline's periodic jobs: rollup refreshes
// and lifecycle sweeps. Each job gets its own goroutine and ticker so a
// slow refresh never delays a sweep.
package schedule

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one recurring task.
type Job struct {
	Name     string
	Interval time.Duration

	// RunOnStart fires the job once immediately when the scheduler
	// starts, before the first tick.
	RunOnStart bool

	Fn func(ctx context.Context) error
}

// Scheduler owns a set of jobs and their goroutines.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{stop: make(chan struct{})}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("schedule: Add after Start")
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job. The context cancels every job's
// in-flight run; Stop ends the loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, job)
	}
}

// Stop ends all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		s.fire(ctx, job)
	}
	for {
		select {
		case <-ticker.C:
			s.fire(ctx, job)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fire runs the job once. Failures are logged and the loop keeps going;
// a job that keeps failing shows up in its own metrics.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Fn(ctx); err != nil {
		log.Printf("schedule: job %s failed after %v: %v", job.Name, time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("schedule: job %s completed in %v", job.Name, time.Since(start).Round(time.Millisecond))
}
