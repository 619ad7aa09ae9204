package clips

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/gameplay"
)

func TestShouldCreateClip(t *testing.T) {
	tests := []struct {
		name        string
		typ         gameplay.EventType
		intensity   float64
		sensitivity float64
		want        bool
	}{
		{"rare always", gameplay.EventRareAchievement, 0.1, 0.9, true},
		{"win above bar", gameplay.EventWin, 0.75, 0.5, true},
		{"win at bar", gameplay.EventWin, 0.7, 0.5, false},
		{"combo above sensitivity", gameplay.EventCombo, 0.5, 0.4, true},
		{"combo below sensitivity", gameplay.EventCombo, 0.5, 0.6, false},
		{"kill above bar", gameplay.EventKill, 0.85, 0.5, true},
		{"kill at bar", gameplay.EventKill, 0.8, 0.5, false},
		{"death never", gameplay.EventDeath, 1.0, 0.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := gameplay.Event{Type: tt.typ, Intensity: tt.intensity}
			if got := ShouldCreateClip(ev, tt.sensitivity); got != tt.want {
				t.Errorf("ShouldCreateClip(%s, i=%v, s=%v) = %v, want %v",
					tt.typ, tt.intensity, tt.sensitivity, got, tt.want)
			}
		})
	}
}

// fakeProvider scripts the external clip capability.
type fakeProvider struct {
	err   error
	calls int
}

func (f *fakeProvider) CreateClip(ctx context.Context, broadcasterID string) (Handle, error) {
	f.calls++
	if f.err != nil {
		return Handle{}, f.err
	}
	return Handle{ID: "clip-1", URL: "https://clips.twitch.tv/clip-1", CreatedAt: time.Now()}, nil
}

func rareEvent(at time.Time) gameplay.Event {
	return gameplay.Event{Type: gameplay.EventRareAchievement, OccurredAt: at, Context: "unlocked a rare achievement", Intensity: 0.9}
}

func TestOfferFiltersUnworthyEvents(t *testing.T) {
	p := NewPipeline(nil, nil, "", 0.5)
	p.Offer(gameplay.Event{Type: gameplay.EventDeath, Intensity: 1.0})
	if p.QueueDepth() != 0 {
		t.Fatal("unworthy event queued")
	}
	p.Offer(rareEvent(time.Now()))
	if p.QueueDepth() != 1 {
		t.Fatal("worthy event not queued")
	}
}

func TestDrainOneSimulatedFallback(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	b := bus.New()
	var published []Request
	b.Subscribe(bus.TopicClipCreated, func(data any) {
		if r, ok := data.(Request); ok {
			published = append(published, r)
		}
	})

	p := NewPipeline(b, nil, "", 0.5, WithPipelineNow(func() time.Time { return now }))
	p.Offer(rareEvent(now))
	p.DrainOne(context.Background())

	if len(published) != 1 {
		t.Fatalf("published %d clip events, want 1", len(published))
	}
	got := published[0]
	if got.State != StateSimulated || !got.Simulated {
		t.Fatalf("request = %+v, want simulated", got)
	}
	if !strings.HasPrefix(got.URL, "https://clips.twitch.tv/simulated/") {
		t.Fatalf("URL = %q, want simulated placeholder", got.URL)
	}
}

func TestDrainOneProviderFailureFallsBack(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	fp := &fakeProvider{err: errors.New("stream offline")}
	p := NewPipeline(nil, fp, "b-123", 0.5, WithPipelineNow(func() time.Time { return now }))
	p.Offer(rareEvent(now))
	p.DrainOne(context.Background())

	reqs := p.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].State != StateSimulated {
		t.Fatalf("state = %s, want simulated fallback", reqs[0].State)
	}
	if fp.calls != 1 {
		t.Fatalf("provider called %d times, want 1", fp.calls)
	}
}

func TestDrainOneRealClip(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	fp := &fakeProvider{}
	p := NewPipeline(nil, fp, "b-123", 0.5, WithPipelineNow(func() time.Time { return now }))
	p.Offer(rareEvent(now))
	p.DrainOne(context.Background())

	reqs := p.Requests()
	if len(reqs) != 1 || reqs[0].State != StateCreated {
		t.Fatalf("requests = %+v, want one created", reqs)
	}
	if reqs[0].URL != "https://clips.twitch.tv/clip-1" {
		t.Fatalf("URL = %q", reqs[0].URL)
	}
}

func TestClipCooldownHoldsQueue(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	cur := now
	fp := &fakeProvider{}
	p := NewPipeline(nil, fp, "b-123", 0.5, WithPipelineNow(func() time.Time { return cur }))

	p.Offer(rareEvent(cur))
	p.Offer(rareEvent(cur))
	p.DrainOne(context.Background())
	if fp.calls != 1 {
		t.Fatalf("calls = %d, want 1", fp.calls)
	}
	if p.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", p.QueueDepth())
	}

	// Inside the 60s cooldown the queued request stays put.
	cur = cur.Add(30 * time.Second)
	p.DrainOne(context.Background())
	if fp.calls != 1 || p.QueueDepth() != 1 {
		t.Fatalf("calls=%d depth=%d, want cooldown to hold the queue", fp.calls, p.QueueDepth())
	}

	// After the window the request is serviced.
	cur = cur.Add(31 * time.Second)
	p.DrainOne(context.Background())
	if fp.calls != 2 || p.QueueDepth() != 0 {
		t.Fatalf("calls=%d depth=%d, want second service after cooldown", fp.calls, p.QueueDepth())
	}
}

func TestSimulatedClipSetsCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	cur := now
	p := NewPipeline(nil, nil, "", 0.5, WithPipelineNow(func() time.Time { return cur }))

	p.Offer(rareEvent(cur))
	p.Offer(rareEvent(cur))
	p.DrainOne(context.Background())
	if p.QueueDepth() != 1 {
		t.Fatalf("depth = %d, want 1", p.QueueDepth())
	}

	cur = cur.Add(10 * time.Second)
	p.DrainOne(context.Background())
	// Simulated servicing counts as a clip call for cooldown purposes.
	if p.QueueDepth() != 1 {
		t.Fatalf("depth = %d, want simulated clip to start the cooldown", p.QueueDepth())
	}
}

func TestDrainOneDiscardsStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	cur := now
	fp := &fakeProvider{}
	p := NewPipeline(nil, fp, "b-123", 0.5, WithPipelineNow(func() time.Time { return cur }))

	p.Offer(rareEvent(cur))
	cur = cur.Add(130 * time.Second) // past the 120s bound
	p.Offer(rareEvent(cur))
	p.DrainOne(context.Background())

	if fp.calls != 1 {
		t.Fatalf("calls = %d, want only the fresh request serviced", fp.calls)
	}
	var discarded, created int
	for _, r := range p.Requests() {
		switch r.State {
		case StateDiscarded:
			discarded++
		case StateCreated:
			created++
		}
	}
	if discarded != 1 || created != 1 {
		t.Fatalf("discarded=%d created=%d, want 1 and 1", discarded, created)
	}
}

func TestManualClipBypassesWorthiness(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	p := NewPipeline(nil, nil, "", 0.5, WithPipelineNow(func() time.Time { return now }))
	p.CreateManualClip("Epic save")
	if p.QueueDepth() != 1 {
		t.Fatal("manual clip not queued")
	}
	moments := p.Moments()
	if len(moments) != 1 || moments[0].Title != "Epic save" {
		t.Fatalf("moments = %+v", moments)
	}
	if moments[0].Event.Intensity != 1.0 {
		t.Fatalf("manual moment intensity = %v, want 1.0", moments[0].Event.Intensity)
	}
}

func TestMomentBufferBounded(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	p := NewPipeline(nil, nil, "", 0.5, WithPipelineNow(func() time.Time { return now }))
	for i := 0; i < momentBufferSize+10; i++ {
		p.Offer(rareEvent(now))
	}
	if got := len(p.Moments()); got != momentBufferSize {
		t.Fatalf("moment buffer holds %d, want %d", got, momentBufferSize)
	}
}

func TestResetClearsMomentsNotQueue(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	p := NewPipeline(nil, nil, "", 0.5, WithPipelineNow(func() time.Time { return now }))
	p.Offer(rareEvent(now))
	p.Reset()
	if len(p.Moments()) != 0 {
		t.Fatal("Reset did not clear moments")
	}
	if p.QueueDepth() != 1 {
		t.Fatal("Reset must leave the request queue intact")
	}
}

func TestTitleFor(t *testing.T) {
	tests := []struct {
		typ  gameplay.EventType
		want string
	}{
		{gameplay.EventWin, "Victory!"},
		{gameplay.EventRareAchievement, "Rare achievement unlocked"},
	}
	for _, tt := range tests {
		if got := titleFor(gameplay.Event{Type: tt.typ, Intensity: 0.9}); got != tt.want {
			t.Errorf("titleFor(%s) = %q, want %q", tt.typ, got, tt.want)
		}
	}
	if got := titleFor(gameplay.Event{Type: gameplay.EventKill, Intensity: 0.9}); !strings.Contains(got, "90%") {
		t.Errorf("kill title = %q, want intensity percent", got)
	}
}
