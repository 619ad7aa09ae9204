package respond

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veilstream/hypebot/gameplay"
	"github.com/veilstream/hypebot/knowledge"
	"github.com/veilstream/hypebot/llm"
	"github.com/veilstream/hypebot/moderation"
	"github.com/veilstream/hypebot/telemetry"
)

// Persona configures the system section of every prompt.
type Persona struct {
	Name         string
	Style        string
	Traits       string
	Restrictions string
}

// systemPrompt renders the persona into the system section.
func (p Persona) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a chat companion on a live Twitch stream.", p.Name)
	if p.Style != "" {
		fmt.Fprintf(&b, " Style: %s.", p.Style)
	}
	if p.Traits != "" {
		fmt.Fprintf(&b, " Traits: %s.", p.Traits)
	}
	b.WriteString(" Keep replies to one or two short sentences suitable for chat. Never use links or newlines.")
	if p.Restrictions != "" {
		fmt.Fprintf(&b, " Restrictions: %s.", p.Restrictions)
	}
	return b.String()
}

// Generator turns an approved trigger into final outbound text: prompt
// assembly, a bounded completion call, then moderation.
type Generator struct {
	provider  llm.Provider
	filter    *moderation.Filter
	facts     knowledge.Source
	persona   Persona
	history   *History
	timeout   time.Duration
	maxTokens int
	now       func() time.Time
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithTimeout bounds the completion call (default 15s).
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxTokens bounds the completion length (default 150).
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithGeneratorNow replaces the time source.
func WithGeneratorNow(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator wires the generator. A nil facts source degrades to empty
// excerpts; provider and filter are required.
func NewGenerator(provider llm.Provider, filter *moderation.Filter, facts knowledge.Source, persona Persona, opts ...GeneratorOption) *Generator {
	if facts == nil {
		facts = knowledge.Empty{}
	}
	g := &Generator{
		provider:  provider,
		filter:    filter,
		facts:     facts,
		persona:   persona,
		history:   NewHistory(DefaultHistoryLimit),
		timeout:   15 * time.Second,
		maxTokens: 150,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// History exposes the conversation window for status reporting.
func (g *Generator) History() *History { return g.history }

// Generate produces the final reply text for an approved trigger, or "" and
// false when no reply should be sent. All provider failures (timeout, error,
// malformed response) are a normal "no reply" outcome, never an error: the
// next periodic tick is the retry mechanism. The triggering turn is appended
// to history before the outcome is known.
func (g *Generator) Generate(ctx context.Context, t Trigger) (string, bool) {
	// Build the prompt before recording the trigger so the excerpt holds
	// prior turns only; the trigger itself rides in the user section.
	prompt := g.buildPrompt(t)
	g.history.Append(Turn{Speaker: t.Sender, Text: g.describeTrigger(t), OccurredAt: g.now()})

	ctx, span := telemetry.StartSpan(ctx, "respond", "generate")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	var text string
	var err error
	telemetry.TimeFunc(telemetry.CompletionDuration, func() {
		text, err = g.provider.Complete(callCtx, prompt, g.maxTokens)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.Inc(telemetry.CompletionFailures)
		slog.Debug("completion failed; staying silent", slog.Any("err", err))
		return "", false
	}
	if text == "" {
		telemetry.Inc(telemetry.CompletionFailures)
		return "", false
	}

	out, ok := g.filter.Apply(text)
	if !ok {
		telemetry.IncSuppressed("moderation")
		slog.Debug("reply rejected by moderation filter")
		return "", false
	}
	g.history.Append(Turn{Speaker: g.persona.Name, Text: out, OccurredAt: g.now(), FromBot: true})
	telemetry.SetSpanSuccess(span)
	return out, true
}

// buildPrompt assembles the structured payload: persona system section, a
// situational section for the trigger kind, an optional knowledge excerpt,
// the recent-turn excerpt, and the triggering text.
func (g *Generator) buildPrompt(t Trigger) llm.Prompt {
	system := g.persona.systemPrompt()
	if situation := g.situation(t); situation != "" {
		system += " " + situation
	}
	if fact := g.facts.Lookup(g.topic(t)); fact != "" {
		system += " Background you may draw on: " + fact
	}

	recent := g.history.Recent(DefaultPromptTurns)
	history := make([]llm.Message, 0, len(recent))
	for _, turn := range recent {
		role := llm.RoleUser
		content := turn.Speaker + ": " + turn.Text
		if turn.FromBot {
			role = llm.RoleAssistant
			content = turn.Text
		}
		history = append(history, llm.Message{Role: role, Content: content})
	}

	return llm.Prompt{System: system, History: history, User: g.describeTrigger(t)}
}

// situation picks the situational section by trigger kind and event type.
func (g *Generator) situation(t Trigger) string {
	if t.Kind == TriggerGameplay && t.Event != nil {
		switch t.Event.Type {
		case gameplay.EventKill:
			return "The streamer just scored a kill. React with energy, briefly."
		case gameplay.EventDeath:
			return "The streamer just died in game. Be playfully consoling."
		case gameplay.EventWin:
			return "The streamer just won. Celebrate with the chat."
		case gameplay.EventCombo:
			return "The streamer just pulled off a combo. Hype it up."
		case gameplay.EventRareAchievement:
			return "The streamer unlocked a rare achievement. Make it feel special."
		}
	}
	if t.Kind == TriggerChat && g.persona.Name != "" &&
		strings.Contains(strings.ToLower(t.Text), strings.ToLower(g.persona.Name)) {
		return "A viewer addressed you directly; answer them."
	}
	return "Join the ongoing chat conversation naturally."
}

// topic derives a knowledge lookup key from the trigger.
func (g *Generator) topic(t Trigger) string {
	if t.Kind == TriggerGameplay && t.Event != nil {
		return string(t.Event.Type)
	}
	return ""
}

// describeTrigger renders the trigger as user-visible prompt text.
func (g *Generator) describeTrigger(t Trigger) string {
	if t.Kind == TriggerGameplay && t.Event != nil {
		return fmt.Sprintf("[gameplay] %s (intensity %.2f)", t.Event.Context, t.Event.Intensity)
	}
	return t.Text
}
