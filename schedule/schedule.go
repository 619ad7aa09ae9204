// Package schedule runs the bot's periodic tasks (gameplay polling, response
// queue draining, clip queue draining) under one scheduler with explicit
// start/stop semantics. Timing goes through a Clock so tests can drive ticks
// deterministically instead of sleeping against wall-clock timers.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the stoppable tick source handed out by a Clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts time for the scheduler. The zero-configuration choice is
// WallClock; tests use ManualClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// WallClock delegates to the time package.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Scheduler owns a set of named periodic jobs. Start launches one goroutine
// per job; Stop cancels them all and waits for the loops to exit. A stopped
// scheduler can be started again.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	jobs    []job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New returns a scheduler backed by clock. A nil clock means WallClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = WallClock{}
	}
	return &Scheduler{clock: clock}
}

// Clock returns the scheduler's clock so owners can share one time source.
func (s *Scheduler) Clock() Clock { return s.clock }

// Add registers a periodic job. Jobs added while running take effect on the
// next Start.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	if interval <= 0 || run == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
}

// Start launches every registered job. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, j)
	}
	slog.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("scheduler job stopped", slog.String("job", j.name))
			return
		case <-ticker.C():
			j.run(ctx)
		}
	}
}

// Stop cancels all job loops and blocks until they exit. In-flight run
// functions observe ctx cancellation but are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
