// Package clips decides which gameplay events deserve a clip and serializes
// clip creation against a cooldown. Worthy events become critical moments held
// in a bounded ring buffer and queued as clip requests; a periodic drain
// services one request at a time, falling back to a locally simulated clip
// when the real capability is unavailable.
package clips

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/config"
	"github.com/veilstream/hypebot/gameplay"
	"github.com/veilstream/hypebot/telemetry"
)

// Handle is the reference returned by the external clip capability.
type Handle struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// Provider is the external clip-creation capability.
type Provider interface {
	CreateClip(ctx context.Context, broadcasterID string) (Handle, error)
}

// Moment is a clip-worthy gameplay event. Never mutated after creation.
type Moment struct {
	ID        string         `json:"id"`
	Event     gameplay.Event `json:"event"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
}

// RequestState tracks a clip request through its lifecycle.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateCreated   RequestState = "created"
	StateSimulated RequestState = "simulated"
	StateDiscarded RequestState = "discarded"
)

// Request is one queued clip creation. Owned exclusively by the pipeline;
// callers receive copies.
type Request struct {
	Moment     Moment       `json:"moment"`
	Title      string       `json:"title"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	State      RequestState `json:"state"`
	URL        string       `json:"url,omitempty"`
	Simulated  bool         `json:"simulated"`
}

const (
	// momentBufferSize bounds the critical-moment ring buffer.
	momentBufferSize = 50
	// historySize bounds the serviced-request list kept for the panel.
	historySize = 100
)

// ShouldCreateClip is the static worthiness rule. Sensitivity acts as a
// variable threshold for combos only; note the inverse relationship, kept
// exactly as observed upstream: a higher sensitivity makes combos harder to
// qualify.
func ShouldCreateClip(ev gameplay.Event, sensitivity float64) bool {
	switch ev.Type {
	case gameplay.EventRareAchievement:
		return true
	case gameplay.EventWin:
		return ev.Intensity > 0.7
	case gameplay.EventCombo:
		return ev.Intensity > sensitivity
	case gameplay.EventKill:
		return ev.Intensity > 0.8
	default:
		return false
	}
}

// Pipeline owns the moment buffer, the FIFO request queue, and the clip-call
// cooldown. The queue is mutated by exactly two paths, enqueue (gameplay or
// manual) and drain; one mutex guards both ends.
type Pipeline struct {
	bus           *bus.Bus
	provider      Provider // nil means always simulate
	broadcasterID string
	now           func() time.Time

	mu          sync.Mutex
	sensitivity float64
	cooldown    time.Duration
	maxAge      time.Duration
	callTimeout time.Duration
	lastClipAt  time.Time
	moments     []Moment
	queue       []*Request
	done        []Request
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineNow replaces the time source.
func WithPipelineNow(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithCooldown overrides the 60s clip-call cooldown.
func WithCooldown(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithMaxAge overrides the 120s queue staleness bound.
func WithMaxAge(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.maxAge = d
		}
	}
}

// NewPipeline builds a pipeline. provider may be nil, in which case every
// drained request yields a simulated clip; that degraded mode is logged once
// at construction rather than per request.
func NewPipeline(b *bus.Bus, provider Provider, broadcasterID string, sensitivity float64, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		bus:           b,
		provider:      provider,
		broadcasterID: broadcasterID,
		now:           time.Now,
		sensitivity:   config.Clamp(sensitivity),
		cooldown:      60 * time.Second,
		maxAge:        120 * time.Second,
		callTimeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if p.provider == nil {
		slog.Info("clip provider not configured; clips will be simulated")
	}
	return p
}

// SetSensitivity clamps and stores the combo threshold knob.
func (p *Pipeline) SetSensitivity(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensitivity = config.Clamp(v)
}

// Sensitivity returns the current clamped knob value.
func (p *Pipeline) Sensitivity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensitivity
}

// Offer evaluates a gameplay event and, when clip-worthy, records a critical
// moment and enqueues a clip request.
func (p *Pipeline) Offer(ev gameplay.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ShouldCreateClip(ev, p.sensitivity) {
		return
	}
	p.enqueueLocked(ev, titleFor(ev))
}

// CreateManualClip bypasses worthiness checks, enqueuing at full intensity.
func (p *Pipeline) CreateManualClip(title string) {
	if title == "" {
		title = "Manual clip"
	}
	ev := gameplay.Event{
		Type:       gameplay.EventRareAchievement,
		OccurredAt: p.now(),
		Context:    "manual clip request",
		Intensity:  1.0,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(ev, title)
}

// enqueueLocked appends a moment and its request. Caller holds p.mu.
func (p *Pipeline) enqueueLocked(ev gameplay.Event, title string) {
	m := Moment{
		ID:        uuid.New().String(),
		Event:     ev,
		Title:     title,
		CreatedAt: p.now(),
	}
	p.moments = append(p.moments, m)
	if len(p.moments) > momentBufferSize {
		p.moments = p.moments[len(p.moments)-momentBufferSize:]
	}
	req := &Request{Moment: m, Title: title, EnqueuedAt: p.now(), State: StateQueued}
	p.queue = append(p.queue, req)
	telemetry.SetClipQueueDepth(len(p.queue))
	slog.Debug("clip request enqueued", slog.String("moment_id", m.ID), slog.String("type", string(ev.Type)), slog.Int("queue_depth", len(p.queue)))
}

// DrainOne services at most one queued request: stale requests are discarded
// silently, cooldown leaves the queue untouched for the next drain, and a
// provider failure falls back to a simulated record so the moment is never
// lost. The external call is the only suspension point and is bounded by its
// own timeout, so a drain iteration always completes before the next tick.
func (p *Pipeline) DrainOne(ctx context.Context) {
	p.mu.Lock()
	now := p.now()

	// Discard everything stale at the head first.
	for len(p.queue) > 0 && now.Sub(p.queue[0].EnqueuedAt) > p.maxAge {
		req := p.queue[0]
		p.queue = p.queue[1:]
		req.State = StateDiscarded
		p.recordLocked(*req)
		telemetry.Inc(telemetry.ClipsDiscarded)
		slog.Debug("clip request discarded as stale", slog.String("moment_id", req.Moment.ID))
	}
	if len(p.queue) == 0 {
		telemetry.SetClipQueueDepth(0)
		p.mu.Unlock()
		return
	}
	// Cooldown is re-checked per drain; requests stay queued while cooling.
	if !p.lastClipAt.IsZero() && now.Sub(p.lastClipAt) < p.cooldown {
		p.mu.Unlock()
		return
	}
	req := p.queue[0]
	p.queue = p.queue[1:]
	telemetry.SetClipQueueDepth(len(p.queue))
	provider := p.provider
	broadcaster := p.broadcasterID
	timeout := p.callTimeout
	p.mu.Unlock()

	final := p.service(ctx, req, provider, broadcaster, timeout)

	p.mu.Lock()
	p.lastClipAt = p.now()
	p.recordLocked(final)
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.TopicClipCreated, final)
	}
}

// service performs the external call (or simulation) outside the lock.
func (p *Pipeline) service(ctx context.Context, req *Request, provider Provider, broadcaster string, timeout time.Duration) Request {
	if provider != nil {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := p.now()
		handle, err := provider.CreateClip(callCtx, broadcaster)
		if telemetry.ClipCallDuration != nil {
			telemetry.ClipCallDuration.Observe(p.now().Sub(start).Seconds())
		}
		if err == nil {
			req.State = StateCreated
			req.URL = handle.URL
			req.Simulated = false
			telemetry.Inc(telemetry.ClipsCreated)
			slog.Info("clip created", slog.String("moment_id", req.Moment.ID), slog.String("url", handle.URL))
			return *req
		}
		slog.Warn("clip creation failed; falling back to simulated clip", slog.String("moment_id", req.Moment.ID), slog.Any("err", err))
	}
	req.State = StateSimulated
	req.Simulated = true
	req.URL = simulatedURL(req.Moment.ID)
	telemetry.Inc(telemetry.ClipsSimulated)
	slog.Info("clip simulated", slog.String("moment_id", req.Moment.ID), slog.String("url", req.URL))
	return *req
}

// simulatedURL is the deterministic placeholder for locally fabricated clips.
func simulatedURL(momentID string) string {
	return "https://clips.twitch.tv/simulated/" + momentID
}

// recordLocked appends to the bounded serviced list. Caller holds p.mu.
func (p *Pipeline) recordLocked(r Request) {
	p.done = append(p.done, r)
	if len(p.done) > historySize {
		p.done = p.done[len(p.done)-historySize:]
	}
}

// Moments returns a copy of the ring buffer, oldest first.
func (p *Pipeline) Moments() []Moment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Moment, len(p.moments))
	copy(out, p.moments)
	return out
}

// Requests returns serviced requests (newest last) followed by the live queue.
func (p *Pipeline) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, 0, len(p.done)+len(p.queue))
	out = append(out, p.done...)
	for _, r := range p.queue {
		out = append(out, *r)
	}
	return out
}

// QueueDepth returns the number of unserviced requests.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Reset clears the moment buffer; queued requests are unaffected.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moments = nil
}

// titleFor renders a clip title for an auto-detected event.
func titleFor(ev gameplay.Event) string {
	switch ev.Type {
	case gameplay.EventKill:
		return fmt.Sprintf("Huge kill (%.0f%%)", ev.Intensity*100)
	case gameplay.EventWin:
		return "Victory!"
	case gameplay.EventCombo:
		return fmt.Sprintf("Combo streak (%.0f%%)", ev.Intensity*100)
	case gameplay.EventRareAchievement:
		return "Rare achievement unlocked"
	default:
		return "Stream highlight"
	}
}
