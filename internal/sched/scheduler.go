package sched

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one device's periodic polling work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// MisfireGrace is how late a coalesced tick may fire before it is
// discarded instead of run.
const MisfireGrace = 30 * time.Second

// Scheduler runs each registered job on its own cadence. Per-job
// guarantees: at most one instance in flight, ticks arriving mid-run
// coalesce into a single follow-up run, and a job failure never affects
// other jobs. Devices run in parallel; there is no cross-device ordering.
type Scheduler struct {
	maxWorkers int

	mu     sync.Mutex
	jobs   map[string]*jobState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

type jobState struct {
	job    Job
	paused bool
	cancel context.CancelFunc
}

// New creates a scheduler capped at maxWorkers concurrently running jobs
// (<=0 means one worker slot per job).
func New(maxWorkers int) *Scheduler {
	return &Scheduler{
		maxWorkers: maxWorkers,
		jobs:       make(map[string]*jobState),
	}
}

// Add registers or replaces a job. Effective after Start; jobs added
// while running begin ticking immediately.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[job.Name]; ok && st.cancel != nil {
		st.cancel()
	}
	st := &jobState{job: job}
	s.jobs[job.Name] = st
	if s.ctx != nil {
		s.launchLocked(st)
	}
}

// Remove cancels and drops a job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[name]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(s.jobs, name)
	}
}

// Pause stops a job's ticks without removing it.
func (s *Scheduler) Pause(name string) { s.setPaused(name, true) }

// Resume re-enables a paused job.
func (s *Scheduler) Resume(name string) { s.setPaused(name, false) }

func (s *Scheduler) setPaused(name string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[name]; ok {
		st.paused = paused
	}
}

// Start launches all registered jobs under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := s.maxWorkers
	if n <= 0 {
		n = len(s.jobs)
	}
	if n <= 0 {
		n = 1
	}
	s.sem = make(chan struct{}, n)
	for _, st := range s.jobs {
		s.launchLocked(st)
	}
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) launchLocked(st *jobState) {
	ctx, cancel := context.WithCancel(s.ctx)
	st.cancel = cancel

	// One-slot trigger channel: ticks that land while a run is in flight
	// merge into a single pending run.
	trigger := make(chan time.Time, 1)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(st.job.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(trigger)
				return
			case t := <-ticker.C:
				s.mu.Lock()
				paused := st.paused
				s.mu.Unlock()
				if paused {
					continue
				}
				select {
				case trigger <- t:
				default:
				}
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		for t := range trigger {
			if time.Since(t) > MisfireGrace {
				log.Printf("scheduler: %s tick skipped (%.0fs late)", st.job.Name, time.Since(t).Seconds())
				continue
			}
			s.runOne(ctx, st.job)
		}
	}()
}

func (s *Scheduler) runOne(ctx context.Context, job Job) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: %s job panic: %v", job.Name, r)
		}
	}()
	job.Run()
}
