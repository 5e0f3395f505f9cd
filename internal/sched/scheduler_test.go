package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNonOverlapAndCoalescing(t *testing.T) {
	t.Parallel()
	var (
		inFlight  atomic.Int32
		maxFlight atomic.Int32
		completed atomic.Int32
	)

	s := New(4)
	s.Add(Job{
		Name:     "slow",
		Interval: 20 * time.Millisecond,
		Run: func() {
			n := inFlight.Add(1)
			if m := maxFlight.Load(); n > m {
				maxFlight.Store(n)
			}
			time.Sleep(70 * time.Millisecond)
			inFlight.Add(-1)
			completed.Add(1)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(300 * time.Millisecond)
	cancel()
	s.Stop()

	if got := maxFlight.Load(); got > 1 {
		t.Fatalf("job overlapped: %d instances in flight", got)
	}
	// ~15 ticks fired; a 70ms job can complete at most ~5 runs. Anything
	// near the tick count means coalescing failed.
	if got := completed.Load(); got == 0 || got > 6 {
		t.Fatalf("completed %d runs, expected coalesced schedule", got)
	}
}

func TestJobIsolation(t *testing.T) {
	t.Parallel()
	var okRuns atomic.Int32

	s := New(4)
	s.Add(Job{
		Name:     "panics",
		Interval: 15 * time.Millisecond,
		Run:      func() { panic("boom") },
	})
	s.Add(Job{
		Name:     "healthy",
		Interval: 15 * time.Millisecond,
		Run:      func() { okRuns.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	cancel()
	s.Stop()

	if okRuns.Load() < 3 {
		t.Fatalf("healthy job starved: %d runs", okRuns.Load())
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(1)
	s.Add(Job{Name: "j", Interval: 10 * time.Millisecond, Run: func() { runs.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	s.Pause("j")
	time.Sleep(30 * time.Millisecond)
	paused := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != paused {
		t.Fatalf("job ran while paused")
	}
	s.Resume("j")
	time.Sleep(60 * time.Millisecond)
	if runs.Load() == paused {
		t.Fatalf("job did not resume")
	}
	s.Stop()
}

func TestRemove(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(1)
	s.Add(Job{Name: "j", Interval: 10 * time.Millisecond, Run: func() { runs.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	s.Remove("j")
	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("removed job kept running")
	}
	s.Stop()
}

func TestDevicesRunInParallel(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	active := 0
	sawParallel := false

	s := New(4)
	for _, name := range []string{"a", "b"} {
		s.Add(Job{
			Name:     name,
			Interval: 10 * time.Millisecond,
			Run: func() {
				mu.Lock()
				active++
				if active > 1 {
					sawParallel = true
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	s.Stop()

	if !sawParallel {
		t.Fatalf("jobs for distinct devices never ran in parallel")
	}
}
