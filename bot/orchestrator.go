// Package bot wires the engines together: bus subscriptions, shared tuning
// knobs, the periodic task schedule, and the toggle/status surface consumed by
// the control panel. There is no ambient global state; everything hangs off
// the Orchestrator built once at startup.
package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/chat"
	"github.com/veilstream/hypebot/clips"
	"github.com/veilstream/hypebot/config"
	dbpkg "github.com/veilstream/hypebot/db"
	"github.com/veilstream/hypebot/gameplay"
	"github.com/veilstream/hypebot/knowledge"
	"github.com/veilstream/hypebot/llm"
	"github.com/veilstream/hypebot/moderation"
	"github.com/veilstream/hypebot/respond"
	"github.com/veilstream/hypebot/schedule"
	"github.com/veilstream/hypebot/telemetry"
)

// Cadences for the three periodic tasks.
const (
	gameplayPollInterval  = 5 * time.Second
	responseDrainInterval = 5 * time.Second
	clipDrainInterval     = 10 * time.Second
)

// ChatSender posts a message to a channel, fire-and-forget.
type ChatSender interface {
	Send(channel, text string)
}

// Orchestrator owns the bot's engines and their shared configuration.
type Orchestrator struct {
	bus       *bus.Bus
	detector  *gameplay.Detector
	engine    *respond.Engine
	generator *respond.Generator
	pipeline  *clips.Pipeline
	scheduler *schedule.Scheduler
	clock     schedule.Clock
	sender    ChatSender
	dbx       *sql.DB

	botName        string
	commandPrefix  string
	primaryChannel string

	mu      sync.Mutex
	runCtx  context.Context
	started time.Time

	// generating serializes reply production across the chat path and the
	// gameplay drain so at most one completion call is in flight.
	generating atomic.Bool
}

// Deps are the external collaborators injected at construction. Completions
// and ClipProvider may be nil; the bot degrades to silent/simulated behavior.
type Deps struct {
	Bus          *bus.Bus
	Completions  llm.Provider
	ClipProvider clips.Provider
	Facts        knowledge.Source
	Sender       ChatSender
	DB           *sql.DB
	Clock        schedule.Clock

	// Draw replaces the engine's uniform [0,1) draw; tests pin it to drive
	// the probabilistic gates deterministically.
	Draw func() float64

	// BroadcasterID is the Helix user id clips are captured for.
	BroadcasterID string
}

// New builds the orchestrator and wires every bus subscription. The engines
// start inactive; call Activate to begin reacting.
func New(cfg *config.Config, d Deps) *Orchestrator {
	b := d.Bus
	if b == nil {
		b = bus.New()
	}
	clock := d.Clock
	if clock == nil {
		clock = schedule.WallClock{}
	}
	primary := ""
	if len(cfg.TwitchChannels) > 0 {
		primary = cfg.TwitchChannels[0]
	}

	filter := moderation.NewFilter(cfg.DeniedWords, moderation.DefaultMaxLen)
	persona := respond.Persona{
		Name:  cfg.BotDisplayName,
		Style: "upbeat, concise, a little cheeky",
	}

	engineOpts := []respond.EngineOption{respond.WithNow(clock.Now)}
	if d.Draw != nil {
		engineOpts = append(engineOpts, respond.WithRandFloat(d.Draw))
	}

	o := &Orchestrator{
		bus:            b,
		detector:       gameplay.NewDetector(b, cfg.Sensitivity, gameplay.WithNow(clock.Now)),
		engine:         respond.NewEngine(cfg.BotDisplayName, cfg.CommandPrefix, cfg.Intensity, cfg.MinResponseInterval, engineOpts...),
		generator:      respond.NewGenerator(d.Completions, filter, d.Facts, persona, respond.WithGeneratorNow(clock.Now)),
		pipeline:       clips.NewPipeline(b, d.ClipProvider, d.BroadcasterID, cfg.Sensitivity, clips.WithPipelineNow(clock.Now)),
		scheduler:      schedule.New(clock),
		clock:          clock,
		sender:         d.Sender,
		dbx:            d.DB,
		botName:        cfg.BotDisplayName,
		commandPrefix:  cfg.CommandPrefix,
		primaryChannel: primary,
	}

	if d.Completions == nil {
		slog.Info("completion provider not configured; generated replies disabled")
	}

	b.Subscribe(bus.TopicChatMessage, func(data any) {
		if m, ok := data.(chat.Message); ok {
			o.handleChatMessage(m)
		}
	})
	b.Subscribe(bus.TopicGameplayEvent, func(data any) {
		if ev, ok := data.(gameplay.Event); ok {
			o.handleGameplayEvent(ev)
		}
	})
	b.Subscribe(bus.TopicClipCreated, func(data any) {
		if req, ok := data.(clips.Request); ok {
			o.handleClipCreated(req)
		}
	})

	o.scheduler.Add("gameplay-poll", gameplayPollInterval, func(ctx context.Context) {
		o.detector.Tick()
	})
	o.scheduler.Add("response-drain", responseDrainInterval, func(ctx context.Context) {
		o.drainResponses(ctx)
	})
	o.scheduler.Add("clip-drain", clipDrainInterval, func(ctx context.Context) {
		o.pipeline.DrainOne(ctx)
	})

	return o
}

// Bus exposes the event bus for transports constructed after the orchestrator.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Activate enables the response engine and starts the periodic tasks.
func (o *Orchestrator) Activate(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.started = time.Now()
	o.mu.Unlock()
	o.engine.Activate()
	o.scheduler.Start(ctx)
	slog.Info("bot activated")
}

// Deactivate stops future periodic ticks and disables responses. In-flight
// external calls complete on their own; their results are discarded because
// the engine is inactive by then.
func (o *Orchestrator) Deactivate() {
	o.scheduler.Stop()
	o.engine.Deactivate()
	slog.Info("bot deactivated")
}

// Active reports whether the periodic tasks are running.
func (o *Orchestrator) Active() bool { return o.scheduler.Running() }

// Tuning surface, consumed by the control panel. All setters clamp and are
// safe to call concurrently with the periodic tasks.

func (o *Orchestrator) SetIntensity(v float64) { o.engine.SetIntensity(v) }
func (o *Orchestrator) Intensity() float64     { return o.engine.Intensity() }
func (o *Orchestrator) Sensitivity() float64   { return o.pipeline.Sensitivity() }
func (o *Orchestrator) SetMinInterval(d time.Duration) { o.engine.SetMinInterval(d) }

// SetSensitivity pushes the knob to both consumers: the detector (for a
// future real analyzer) and the clip pipeline's combo threshold.
func (o *Orchestrator) SetSensitivity(v float64) {
	o.detector.UpdateSensitivity(v)
	o.pipeline.SetSensitivity(v)
}

// Stats returns a snapshot of the session counters.
func (o *Orchestrator) Stats() gameplay.Stats { return o.detector.Stats() }

// ResetStats zeroes the counters and clears the moment buffer.
func (o *Orchestrator) ResetStats() {
	o.detector.Reset()
	o.pipeline.Reset()
}

// Moments returns the recent critical moments, oldest first.
func (o *Orchestrator) Moments() []clips.Moment { return o.pipeline.Moments() }

// ClipRequests returns serviced and pending clip requests.
func (o *Orchestrator) ClipRequests() []clips.Request { return o.pipeline.Requests() }

// History returns the conversation window.
func (o *Orchestrator) History() *respond.History { return o.generator.History() }

// CreateManualClip enqueues a clip bypassing worthiness checks.
func (o *Orchestrator) CreateManualClip(title string) {
	o.pipeline.CreateManualClip(title)
}

// Knob override keys in the kv table, written by the control panel.
const (
	kvIntensity     = "config.intensity"
	kvSensitivity   = "config.sensitivity"
	kvMinIntervalMs = "config.min_interval_ms"
)

// RestoreKnobs applies tuning overrides the control panel persisted in a
// previous run. Called once at startup; without a database the env-derived
// defaults stand.
func (o *Orchestrator) RestoreKnobs(ctx context.Context) {
	if o.dbx == nil {
		return
	}
	for key, apply := range map[string]func(float64){
		kvIntensity:   o.SetIntensity,
		kvSensitivity: o.SetSensitivity,
		kvMinIntervalMs: func(v float64) {
			o.SetMinInterval(time.Duration(v) * time.Millisecond)
		},
	} {
		raw, err := dbpkg.GetKV(ctx, o.dbx, key)
		if err != nil {
			slog.Warn("failed to read knob override", slog.String("key", key), slog.Any("err", err))
			continue
		}
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			slog.Warn("ignoring malformed knob override", slog.String("key", key), slog.String("value", raw))
			continue
		}
		apply(v)
		slog.Info("restored knob override", slog.String("key", key), slog.Float64("value", v))
	}
}

// PersistKnobs stores the current tuning values so they survive a restart.
// No-op without a database.
func (o *Orchestrator) PersistKnobs(ctx context.Context) {
	if o.dbx == nil {
		return
	}
	snap := o.Snapshot()
	for key, v := range map[string]float64{
		kvIntensity:     snap.Intensity,
		kvSensitivity:   snap.Sensitivity,
		kvMinIntervalMs: float64(snap.MinIntervalMs),
	} {
		if err := dbpkg.SetKV(ctx, o.dbx, key, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			slog.Warn("failed to persist knob override", slog.String("key", key), slog.Any("err", err))
		}
	}
}

// Status is the control panel's snapshot of engine state.
type Status struct {
	Active             bool           `json:"active"`
	Intensity          float64        `json:"intensity"`
	Sensitivity        float64        `json:"sensitivity"`
	MinIntervalMs      int64          `json:"min_interval_ms"`
	LastResponseAt     time.Time      `json:"last_response_at"`
	Stats              gameplay.Stats `json:"stats"`
	ClipQueueDepth     int            `json:"clip_queue_depth"`
	ResponseQueueDepth int            `json:"response_queue_depth"`
}

// Snapshot collects the current status.
func (o *Orchestrator) Snapshot() Status {
	return Status{
		Active:             o.Active(),
		Intensity:          o.engine.Intensity(),
		Sensitivity:        o.pipeline.Sensitivity(),
		MinIntervalMs:      o.engine.MinInterval().Milliseconds(),
		LastResponseAt:     o.engine.LastResponseAt(),
		Stats:              o.detector.Stats(),
		ClipQueueDepth:     o.pipeline.QueueDepth(),
		ResponseQueueDepth: o.engine.QueueDepth(),
	}
}

// handleChatMessage routes commands and feeds everything else through the
// response decision engine.
func (o *Orchestrator) handleChatMessage(m chat.Message) {
	if o.commandPrefix != "" && strings.HasPrefix(m.Text, o.commandPrefix) {
		o.handleCommand(m)
		return
	}
	trigger := respond.Trigger{
		Kind:    respond.TriggerChat,
		Channel: m.Channel,
		Sender:  m.Sender,
		Text:    m.Text,
		At:      m.At,
	}
	decision := o.engine.ShouldRespond(trigger)
	if !decision.Respond {
		telemetry.IncSuppressed(decision.Reason)
		return
	}
	// Generation runs off the IRC read loop; the in-flight gate keeps a
	// single completion call active at a time.
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go o.respondTo(ctx, trigger)
}

// handleGameplayEvent fans one event into both independent paths: the clip
// pipeline and the response queue.
func (o *Orchestrator) handleGameplayEvent(ev gameplay.Event) {
	o.pipeline.Offer(ev)
	o.engine.EnqueueGameplay(respond.Trigger{
		Kind:  respond.TriggerGameplay,
		Event: &ev,
		At:    ev.OccurredAt,
	})
}

// drainResponses services at most one queued gameplay trigger per tick.
func (o *Orchestrator) drainResponses(ctx context.Context) {
	trigger, ok := o.engine.DequeueFresh()
	if !ok {
		return
	}
	decision := o.engine.ShouldRespond(trigger)
	if !decision.Respond {
		telemetry.IncSuppressed(decision.Reason)
		return
	}
	o.respondTo(ctx, trigger)
}

// respondTo generates and sends a reply. The cooldown advances only after the
// reply was actually produced and handed to the transport; failed generations
// never consume the window, on either trigger path.
func (o *Orchestrator) respondTo(ctx context.Context, trigger respond.Trigger) {
	if !o.generating.CompareAndSwap(false, true) {
		telemetry.IncSuppressed("busy")
		return
	}
	defer o.generating.Store(false)

	// The approval ran before this goroutine owned the in-flight slot; a
	// trigger on the other path may have sent in between. Re-check the
	// window so two replies never land inside it.
	if o.engine.InCooldown() {
		telemetry.IncSuppressed(respond.ReasonCooldown)
		return
	}

	telemetry.Inc(telemetry.ResponsesAttempted)
	text, ok := o.generator.Generate(ctx, trigger)
	if !ok {
		return
	}
	if !o.engine.Activated() {
		// Deactivated while the completion was in flight; discard.
		return
	}
	channel := trigger.Channel
	if channel == "" {
		channel = o.primaryChannel
	}
	if o.sender != nil && channel != "" {
		o.sender.Send(channel, text)
	}
	o.engine.MarkResponded(o.clock.Now())
	telemetry.Inc(telemetry.ResponsesSent)
}

// handleClipCreated announces and persists a serviced clip request.
func (o *Orchestrator) handleClipCreated(req clips.Request) {
	if o.sender != nil && o.primaryChannel != "" {
		note := fmt.Sprintf("📎 Clip captured: %s — %s", req.Title, req.URL)
		if req.Simulated {
			note = fmt.Sprintf("📎 Moment saved: %s (clip unavailable right now)", req.Title)
		}
		o.sender.Send(o.primaryChannel, note)
	}
	if o.dbx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := dbpkg.InsertClip(ctx, o.dbx, req.Moment.ID, o.primaryChannel, req.Title,
			string(req.Moment.Event.Type), req.Moment.Event.Intensity, req.URL, string(req.State), req.Simulated)
		if err != nil {
			slog.Warn("failed to persist clip record", slog.Any("err", err))
		}
	}
}

// handleCommand services command-prefixed messages; these never reach the
// response engine.
func (o *Orchestrator) handleCommand(m chat.Message) {
	fields := strings.Fields(strings.TrimPrefix(m.Text, o.commandPrefix))
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "clip":
		title := strings.TrimSpace(strings.TrimPrefix(m.Text, o.commandPrefix+fields[0]))
		if title == "" {
			title = fmt.Sprintf("Clip by %s", m.Sender)
		}
		o.CreateManualClip(title)
		if o.sender != nil {
			o.sender.Send(m.Channel, fmt.Sprintf("@%s clip queued!", m.Sender))
		}
	case "stats":
		s := o.detector.Stats()
		if o.sender != nil {
			o.sender.Send(m.Channel, fmt.Sprintf("Session: %d kills, %d deaths, %d wins, %d combos, %d rare finds",
				s.Kills, s.Deaths, s.Wins, s.Combos, s.RareAchievements))
		}
	case "bot":
		// Broadcaster-only toggle.
		if !strings.EqualFold(m.Sender, m.Channel) || len(fields) < 2 {
			return
		}
		switch strings.ToLower(fields[1]) {
		case "on":
			o.mu.Lock()
			ctx := o.runCtx
			o.mu.Unlock()
			if ctx == nil {
				ctx = context.Background()
			}
			o.Activate(ctx)
			if o.sender != nil {
				o.sender.Send(m.Channel, "Bot activated 🎮")
			}
		case "off":
			o.Deactivate()
			if o.sender != nil {
				o.sender.Send(m.Channel, "Bot deactivated")
			}
		}
	}
}
