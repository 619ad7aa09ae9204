// Package gameplay produces the stream of intensity-scored gameplay events the
// bot reacts to. The detector is a stochastic simulator standing in for a real
// stream analyzer: each tick it rolls five independent trials, one per event
// type, with fixed probabilities and per-type intensity ranges. A production
// analyzer replaces the body of Tick while keeping the emitted event contract.
package gameplay

import (
	"math/rand"
	"sync"
	"time"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/config"
	"github.com/veilstream/hypebot/telemetry"
)

// EventType identifies a simulated gameplay moment.
type EventType string

const (
	EventKill            EventType = "kill"
	EventDeath           EventType = "death"
	EventWin             EventType = "win"
	EventCombo           EventType = "combo"
	EventRareAchievement EventType = "rare_achievement"
)

// Event is a single detected gameplay moment. Immutable once created.
type Event struct {
	Type       EventType
	OccurredAt time.Time
	Context    string
	Intensity  float64 // [0,1]
}

// Stats holds per-session counters, mutated only by the detector's tick and
// read by status reporters.
type Stats struct {
	Kills            uint64 `json:"kills"`
	Deaths           uint64 `json:"deaths"`
	Wins             uint64 `json:"wins"`
	Losses           uint64 `json:"losses"`
	Combos           uint64 `json:"combos"`
	RareAchievements uint64 `json:"rare_achievements"`
}

// trial is one row of the simulation table: fire probability and the
// half-open intensity range [lo, hi).
type trial struct {
	typ     EventType
	prob    float64
	lo, hi  float64
	context string
}

var trials = []trial{
	{EventKill, 0.10, 0.2, 1.0, "took down an opponent"},
	{EventDeath, 0.05, 0.1, 0.7, "got eliminated"},
	{EventWin, 0.02, 0.5, 1.0, "won the round"},
	{EventCombo, 0.03, 0.3, 1.0, "chained a combo"},
	{EventRareAchievement, 0.01, 0.7, 1.0, "unlocked a rare achievement"},
}

// Detector evaluates the simulation table on each Tick and publishes fired
// events on bus.TopicGameplayEvent.
type Detector struct {
	bus *bus.Bus
	rng *rand.Rand
	now func() time.Time

	mu          sync.Mutex
	stats       Stats
	sensitivity float64
}

// Option customizes a Detector; used by tests to pin randomness and time.
type Option func(*Detector)

// WithRand replaces the random source.
func WithRand(rng *rand.Rand) Option { return func(d *Detector) { d.rng = rng } }

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

func NewDetector(b *bus.Bus, sensitivity float64, opts ...Option) *Detector {
	d := &Detector{
		bus:         b,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // G404: simulation randomness, not security
		now:         time.Now,
		sensitivity: config.Clamp(sensitivity),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Tick evaluates all five trials. The trials are not mutually exclusive, so
// zero or more events can fire per tick. Fired events update the session
// counters and are published in table order.
func (d *Detector) Tick() []Event {
	d.mu.Lock()
	now := d.now()
	var fired []Event
	for _, tr := range trials {
		if d.rng.Float64() >= tr.prob {
			continue
		}
		ev := Event{
			Type:       tr.typ,
			OccurredAt: now,
			Context:    tr.context,
			Intensity:  tr.lo + d.rng.Float64()*(tr.hi-tr.lo),
		}
		d.count(ev.Type)
		fired = append(fired, ev)
	}
	d.mu.Unlock()

	for _, ev := range fired {
		telemetry.IncGameplayEvent(string(ev.Type))
		if d.bus != nil {
			d.bus.Publish(bus.TopicGameplayEvent, ev)
		}
	}
	return fired
}

// count maps an event type to its counter field. Caller holds d.mu.
func (d *Detector) count(t EventType) {
	switch t {
	case EventKill:
		d.stats.Kills++
	case EventDeath:
		d.stats.Deaths++
	case EventWin:
		d.stats.Wins++
	case EventCombo:
		d.stats.Combos++
	case EventRareAchievement:
		d.stats.RareAchievements++
	}
}

// UpdateSensitivity clamps and stores the knob; it takes effect on the next
// evaluation and never replays past events.
func (d *Detector) UpdateSensitivity(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sensitivity = config.Clamp(v)
}

// Sensitivity returns the current clamped knob value.
func (d *Detector) Sensitivity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sensitivity
}

// Stats returns a snapshot of the session counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Reset zeroes all counters. It does not interrupt the polling cadence.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
}
