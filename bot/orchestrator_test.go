package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/chat"
	"github.com/veilstream/hypebot/clips"
	"github.com/veilstream/hypebot/config"
	"github.com/veilstream/hypebot/gameplay"
	"github.com/veilstream/hypebot/llm"
	"github.com/veilstream/hypebot/respond"
	"github.com/veilstream/hypebot/schedule"
)

// fakeSender records outbound chat lines.
type fakeSender struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeSender) Send(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, channel+": "+text)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) == 0 {
		return ""
	}
	return f.lines[len(f.lines)-1]
}

func (f *fakeSender) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sender saw %d lines, want %d", f.count(), n)
}

// cannedProvider always completes with the same text.
type cannedProvider struct{ text string }

func (p *cannedProvider) Complete(ctx context.Context, _ llm.Prompt, _ int) (string, error) {
	return p.text, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TwitchChannels:      []string{"somechannel"},
		BotDisplayName:      "HypeBot",
		CommandPrefix:       "!",
		Intensity:           0.5,
		Sensitivity:         0.5,
		MinResponseInterval: 30 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider, sender ChatSender) (*Orchestrator, *schedule.ManualClock) {
	t.Helper()
	clock := schedule.NewManualClock(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	o := New(testConfig(), Deps{
		Completions: provider,
		Sender:      sender,
		Clock:       clock,
	})
	t.Cleanup(o.Deactivate)
	return o, clock
}

func TestMentionProducesReplyAndConsumesCooldown(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, &cannedProvider{text: "hey there!"}, sender)
	o.Activate(context.Background())

	msg := chat.Message{Channel: "somechannel", Sender: "viewer", Text: "yo hypebot how's it going", At: clock.Now()}
	o.Bus().Publish(bus.TopicChatMessage, msg)
	sender.waitFor(t, 1)

	if got := sender.last(); !strings.Contains(got, "hey there!") {
		t.Fatalf("sent = %q, want generated reply", got)
	}
	if o.Snapshot().LastResponseAt.IsZero() {
		t.Fatal("cooldown did not advance after a sent reply")
	}

	// A second mention inside the window is suppressed.
	o.Bus().Publish(bus.TopicChatMessage, msg)
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("sent %d replies, want cooldown to hold at 1", sender.count())
	}
}

func TestInactiveBotStaysSilent(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, &cannedProvider{text: "hi"}, sender)
	// Never activated.
	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "hypebot hello?", At: clock.Now(),
	})
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("inactive bot sent %d replies", sender.count())
	}
}

func TestGameplayEventFansIntoBothPaths(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, &cannedProvider{text: "gg"}, sender)
	o.Activate(context.Background())

	ev := gameplay.Event{
		Type:       gameplay.EventRareAchievement,
		OccurredAt: clock.Now(),
		Context:    "unlocked a rare achievement",
		Intensity:  0.9,
	}
	o.Bus().Publish(bus.TopicGameplayEvent, ev)

	snap := o.Snapshot()
	if snap.ResponseQueueDepth != 1 {
		t.Fatalf("response queue depth = %d, want 1", snap.ResponseQueueDepth)
	}
	if snap.ClipQueueDepth != 1 {
		t.Fatalf("clip queue depth = %d, want 1 (rare achievement is clip-worthy)", snap.ClipQueueDepth)
	}
}

func TestUnworthyGameplayEventQueuesResponseOnly(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, &cannedProvider{text: "gg"}, sender)
	o.Activate(context.Background())

	ev := gameplay.Event{Type: gameplay.EventDeath, OccurredAt: clock.Now(), Intensity: 0.3}
	o.Bus().Publish(bus.TopicGameplayEvent, ev)

	snap := o.Snapshot()
	if snap.ResponseQueueDepth != 1 || snap.ClipQueueDepth != 0 {
		t.Fatalf("depths = %d/%d, want 1 response and 0 clips", snap.ResponseQueueDepth, snap.ClipQueueDepth)
	}
}

func TestClipCommand(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, nil, sender)
	o.Activate(context.Background())

	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "!clip Epic save", At: clock.Now(),
	})
	sender.waitFor(t, 1)
	if !strings.Contains(sender.last(), "clip queued") {
		t.Fatalf("reply = %q", sender.last())
	}
	if o.Snapshot().ClipQueueDepth != 1 {
		t.Fatal("manual clip not queued")
	}
	moments := o.Moments()
	if len(moments) != 1 || moments[0].Title != "Epic save" {
		t.Fatalf("moments = %+v", moments)
	}
}

func TestStatsCommand(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, nil, sender)
	o.Activate(context.Background())

	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "!stats", At: clock.Now(),
	})
	sender.waitFor(t, 1)
	if !strings.Contains(sender.last(), "kills") {
		t.Fatalf("stats reply = %q", sender.last())
	}
}

func TestBotToggleBroadcasterOnly(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, nil, sender)
	o.Activate(context.Background())

	// A viewer cannot toggle.
	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "!bot off", At: clock.Now(),
	})
	if !o.Active() {
		t.Fatal("viewer toggled the bot off")
	}

	// The broadcaster can.
	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "SomeChannel", Text: "!bot off", At: clock.Now(),
	})
	if o.Active() {
		t.Fatal("broadcaster toggle ignored")
	}

	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "somechannel", Text: "!bot on", At: clock.Now(),
	})
	if !o.Active() {
		t.Fatal("broadcaster could not re-activate")
	}
}

func TestCommandNeverTriggersGeneration(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newTestOrchestrator(t, &cannedProvider{text: "should not appear"}, sender)
	o.Activate(context.Background())

	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "!hypebot tell me things", At: clock.Now(),
	})
	time.Sleep(50 * time.Millisecond)
	for _, line := range sender.all() {
		if strings.Contains(line, "should not appear") {
			t.Fatalf("command produced a generated reply: %q", line)
		}
	}
}

func TestClipCreatedAnnouncement(t *testing.T) {
	sender := &fakeSender{}
	o, _ := newTestOrchestrator(t, nil, sender)
	o.Activate(context.Background())

	req := clips.Request{
		Moment: clips.Moment{ID: "m-1", Event: gameplay.Event{Type: gameplay.EventWin, Intensity: 0.9}},
		Title:  "Victory!",
		State:  clips.StateCreated,
		URL:    "https://clips.twitch.tv/abc",
	}
	o.Bus().Publish(bus.TopicClipCreated, req)
	sender.waitFor(t, 1)
	if got := sender.last(); !strings.Contains(got, "https://clips.twitch.tv/abc") {
		t.Fatalf("announcement = %q, want clip URL", got)
	}

	sim := req
	sim.State = clips.StateSimulated
	sim.Simulated = true
	o.Bus().Publish(bus.TopicClipCreated, sim)
	sender.waitFor(t, 2)
	if got := sender.last(); !strings.Contains(got, "Moment saved") {
		t.Fatalf("simulated announcement = %q", got)
	}
}

func TestKnobSettersClampAndPropagate(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	o.SetIntensity(2.0)
	if got := o.Intensity(); got != 1 {
		t.Fatalf("Intensity = %v, want 1", got)
	}
	o.SetSensitivity(-0.5)
	if got := o.Sensitivity(); got != 0 {
		t.Fatalf("Sensitivity = %v, want 0", got)
	}
	if got := o.Stats(); got != (gameplay.Stats{}) {
		t.Fatalf("fresh stats = %+v", got)
	}
}

func TestDeactivateStopsSchedulerAndClearsQueue(t *testing.T) {
	o, clock := newTestOrchestrator(t, nil, nil)
	o.Activate(context.Background())
	o.Bus().Publish(bus.TopicGameplayEvent, gameplay.Event{
		Type: gameplay.EventKill, OccurredAt: clock.Now(), Intensity: 0.5,
	})
	if o.Snapshot().ResponseQueueDepth != 1 {
		t.Fatal("trigger not queued while active")
	}
	o.Deactivate()
	snap := o.Snapshot()
	if snap.Active {
		t.Fatal("still active after Deactivate")
	}
	if snap.ResponseQueueDepth != 0 {
		t.Fatal("queue not cleared on Deactivate")
	}
}

// newDrainOrchestrator pins the probability draw and activates the engine
// without starting the scheduler, so tests can call drainResponses directly
// against the manual clock.
func newDrainOrchestrator(t *testing.T, draw float64, provider llm.Provider, sender ChatSender) (*Orchestrator, *schedule.ManualClock) {
	t.Helper()
	clock := schedule.NewManualClock(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	o := New(testConfig(), Deps{
		Completions: provider,
		Sender:      sender,
		Clock:       clock,
		Draw:        func() float64 { return draw },
	})
	o.engine.Activate()
	t.Cleanup(o.Deactivate)
	return o, clock
}

func TestGameplayDrainSendsThenCoolsDown(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newDrainOrchestrator(t, 0.3, &cannedProvider{text: "what a shot!"}, sender)

	kill := func() gameplay.Event {
		return gameplay.Event{Type: gameplay.EventKill, OccurredAt: clock.Now(), Context: "scored a kill", Intensity: 0.9}
	}

	// Draw 0.3 < threshold 0.5 (1 - intensity 0.5): the queued trigger is
	// generated, sent, and consumes the cooldown.
	o.Bus().Publish(bus.TopicGameplayEvent, kill())
	o.drainResponses(context.Background())
	if sender.count() != 1 {
		t.Fatalf("sent %d replies, want 1", sender.count())
	}
	if !strings.Contains(sender.last(), "what a shot!") {
		t.Fatalf("sent = %q, want generated reply", sender.last())
	}
	if got := o.Snapshot().LastResponseAt; !got.Equal(clock.Now()) {
		t.Fatalf("LastResponseAt = %v, want %v", got, clock.Now())
	}

	// A second event inside the window is suppressed at the drain.
	o.Bus().Publish(bus.TopicGameplayEvent, kill())
	o.drainResponses(context.Background())
	if sender.count() != 1 {
		t.Fatalf("cooldown did not hold: sent %d replies", sender.count())
	}

	// Past the window the drain path resumes sending.
	clock.Advance(31 * time.Second)
	o.Bus().Publish(bus.TopicGameplayEvent, kill())
	o.drainResponses(context.Background())
	if sender.count() != 2 {
		t.Fatalf("sent %d replies after cooldown elapsed, want 2", sender.count())
	}
}

func TestCooldownRecheckedBeforeGeneration(t *testing.T) {
	sender := &fakeSender{}
	o, clock := newDrainOrchestrator(t, 0.0, &cannedProvider{text: "late reply"}, sender)

	ev := gameplay.Event{Type: gameplay.EventKill, OccurredAt: clock.Now(), Intensity: 0.9}
	trigger := respond.Trigger{Kind: respond.TriggerGameplay, Event: &ev, At: ev.OccurredAt}
	if d := o.engine.ShouldRespond(trigger); !d.Respond {
		t.Fatalf("trigger not approved: %+v", d)
	}

	// Another trigger completes its send between approval and generation.
	o.engine.MarkResponded(clock.Now())

	o.respondTo(context.Background(), trigger)
	if sender.count() != 0 {
		t.Fatalf("stale approval sent %d replies inside the window, want 0", sender.count())
	}
}

func TestEmptyCommandPrefixStillReachesEngine(t *testing.T) {
	sender := &fakeSender{}
	clock := schedule.NewManualClock(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.CommandPrefix = ""
	o := New(cfg, Deps{
		Completions: &cannedProvider{text: "hi friend"},
		Sender:      sender,
		Clock:       clock,
	})
	t.Cleanup(o.Deactivate)
	o.Activate(context.Background())

	o.Bus().Publish(bus.TopicChatMessage, chat.Message{
		Channel: "somechannel", Sender: "viewer", Text: "hey hypebot!", At: clock.Now(),
	})
	sender.waitFor(t, 1)
	if !strings.Contains(sender.last(), "hi friend") {
		t.Fatalf("sent = %q, want generated reply", sender.last())
	}
}

func TestRestoreKnobsWithoutDatabase(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	o.RestoreKnobs(context.Background())
	if got := o.Intensity(); got != 0.5 {
		t.Fatalf("Intensity = %v, want config default untouched", got)
	}
	if got := o.Snapshot().MinIntervalMs; got != 30000 {
		t.Fatalf("MinIntervalMs = %v, want 30000", got)
	}
}
