// Package respond holds the generative-response pipeline: the decision engine
// that gates whether a reply is attempted at all, and the generator that turns
// an approved trigger into final outbound text.
package respond

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/veilstream/hypebot/config"
	"github.com/veilstream/hypebot/gameplay"
	"github.com/veilstream/hypebot/telemetry"
)

// TriggerKind discriminates the stimulus behind a potential response.
type TriggerKind int

const (
	TriggerChat TriggerKind = iota
	TriggerGameplay
	TriggerPlatform
)

// Trigger is any inbound stimulus considered for a generated reply.
type Trigger struct {
	Kind    TriggerKind
	Channel string
	Sender  string
	Text    string
	Event   *gameplay.Event // set for TriggerGameplay
	At      time.Time
}

// Decision reasons, used for logging, metrics, and tests.
const (
	ReasonInactive    = "inactive"
	ReasonCommand     = "command"
	ReasonCooldown    = "cooldown"
	ReasonMention     = "mention"
	ReasonThreshold   = "threshold"
	ReasonProbability = "probability"
)

// Decision is the engine's verdict for one trigger.
type Decision struct {
	Respond bool
	Reason  string
}

// Engine gates response generation before the cost of a completion call is
// paid. It owns the cooldown state: lastResponseAt advances only via
// MarkResponded, which callers invoke after a reply was actually produced and
// sent. A failed generation therefore never consumes the cooldown window.
type Engine struct {
	botName       string // lowercased for mention matching
	commandPrefix string
	now           func() time.Time
	randFloat     func() float64

	mu             sync.Mutex
	activated      bool
	intensity      float64
	minInterval    time.Duration
	lastResponseAt time.Time
	queue          []Trigger
	maxQueueAge    time.Duration
}

// EngineOption customizes an Engine; used by tests to pin randomness and time.
type EngineOption func(*Engine)

// WithNow replaces the time source.
func WithNow(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

// WithRandFloat replaces the uniform [0,1) draw used for probability gates.
func WithRandFloat(f func() float64) EngineOption { return func(e *Engine) { e.randFloat = f } }

// NewEngine builds an inactive engine. intensity is clamped; minInterval <= 0
// selects the 30s default.
func NewEngine(botName, commandPrefix string, intensity float64, minInterval time.Duration, opts ...EngineOption) *Engine {
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	e := &Engine{
		botName:       strings.ToLower(botName),
		commandPrefix: commandPrefix,
		now:           time.Now,
		randFloat:     rand.Float64, //nolint:gosec // G404: response probability, not security
		intensity:     config.Clamp(intensity),
		minInterval:   minInterval,
		maxQueueAge:   60 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Activate enables responses and resets nothing else; a previously elapsed
// cooldown stays elapsed.
func (e *Engine) Activate() {
	e.mu.Lock()
	e.activated = true
	e.mu.Unlock()
	telemetry.SetEngineActive(true)
}

// Deactivate disables responses. Queued gameplay triggers are dropped;
// in-flight generations complete elsewhere and their results are discarded.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	e.activated = false
	e.queue = nil
	e.mu.Unlock()
	telemetry.SetEngineActive(false)
}

// Activated reports the activation state.
func (e *Engine) Activated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activated
}

// SetIntensity clamps and stores the reaction eagerness knob.
func (e *Engine) SetIntensity(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intensity = config.Clamp(v)
}

// Intensity returns the current clamped knob value.
func (e *Engine) Intensity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intensity
}

// SetMinInterval updates the cooldown window. Non-positive values are ignored.
func (e *Engine) SetMinInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minInterval = d
}

// MinInterval returns the cooldown window.
func (e *Engine) MinInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minInterval
}

// ShouldRespond applies the gate policy in order: activation, command
// exclusion, hard cooldown, mention override, then the probabilistic gate.
// A mention overrides probability but never the cooldown.
func (e *Engine) ShouldRespond(t Trigger) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.activated {
		return Decision{Respond: false, Reason: ReasonInactive}
	}
	if t.Kind == TriggerChat && e.commandPrefix != "" && strings.HasPrefix(t.Text, e.commandPrefix) {
		return Decision{Respond: false, Reason: ReasonCommand}
	}
	now := e.now()
	if !e.lastResponseAt.IsZero() && now.Sub(e.lastResponseAt) < e.minInterval {
		return Decision{Respond: false, Reason: ReasonCooldown}
	}
	if t.Kind == TriggerChat && e.botName != "" && strings.Contains(strings.ToLower(t.Text), e.botName) {
		return Decision{Respond: true, Reason: ReasonMention}
	}

	switch t.Kind {
	case TriggerGameplay:
		// Draw against threshold = 1 - intensity.
		threshold := 1 - e.intensity
		return Decision{Respond: e.randFloat() < threshold, Reason: ReasonThreshold}
	default:
		// Ambient chat: flat intensity-scaled probability, bounded 0-10%.
		return Decision{Respond: e.randFloat() < e.intensity*0.1, Reason: ReasonProbability}
	}
}

// InCooldown reports whether the window since the last sent reply is still
// open. Callers that approve a trigger and then defer the actual send must
// re-check before sending; another trigger may have completed in between.
func (e *Engine) InCooldown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResponseAt.IsZero() {
		return false
	}
	return e.now().Sub(e.lastResponseAt) < e.minInterval
}

// MarkResponded advances the cooldown. Call only after a reply was produced
// and handed to the transport.
func (e *Engine) MarkResponded(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.lastResponseAt) {
		e.lastResponseAt = at
	}
}

// LastResponseAt returns the timestamp of the last sent reply.
func (e *Engine) LastResponseAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResponseAt
}

// EnqueueGameplay queues a gameplay trigger for the periodic drain. Triggers
// queued while inactive are dropped.
func (e *Engine) EnqueueGameplay(t Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.activated {
		return
	}
	e.queue = append(e.queue, t)
	telemetry.SetResponseQueueDepth(len(e.queue))
}

// DequeueFresh pops queued triggers, discarding any older than the staleness
// bound, and returns the first fresh one. ok is false when nothing remains.
func (e *Engine) DequeueFresh() (Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for len(e.queue) > 0 {
		t := e.queue[0]
		e.queue = e.queue[1:]
		if now.Sub(t.At) > e.maxQueueAge {
			continue
		}
		telemetry.SetResponseQueueDepth(len(e.queue))
		return t, true
	}
	telemetry.SetResponseQueueDepth(0)
	return Trigger{}, false
}

// QueueDepth returns the number of pending gameplay triggers.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
