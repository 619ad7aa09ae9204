package schedule

import (
	"sync"
	"time"
)

// ManualClock is a Clock for tests. Time only moves when Advance is called;
// tickers fire once per elapsed interval, delivered before Advance returns.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManualClock starts at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{clock: c, interval: d, ch: make(chan time.Time, 64)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward and queues tick deliveries for every interval
// boundary crossed. It does not wait for consumers; pair it with whatever
// synchronization the code under test provides.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		t.elapsed += d
		for t.elapsed >= t.interval {
			t.elapsed -= t.interval
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

type manualTicker struct {
	clock    *ManualClock
	interval time.Duration
	elapsed  time.Duration
	ch       chan time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
