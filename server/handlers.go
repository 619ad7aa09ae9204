package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veilstream/hypebot/bot"
	"github.com/veilstream/hypebot/clips"
	"github.com/veilstream/hypebot/config"
	dbpkg "github.com/veilstream/hypebot/db"
	"github.com/veilstream/hypebot/gameplay"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Orchestrator is the control surface the handlers drive. *bot.Orchestrator
// satisfies it; tests substitute a fake.
type Orchestrator interface {
	Snapshot() bot.Status
	Active() bool
	Activate(ctx context.Context)
	Deactivate()
	SetIntensity(v float64)
	SetSensitivity(v float64)
	SetMinInterval(d time.Duration)
	Stats() gameplay.Stats
	ResetStats()
	Moments() []clips.Moment
	ClipRequests() []clips.Request
	CreateManualClip(title string)
	PersistKnobs(ctx context.Context)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg        *config.Config
	db         *sql.DB
	orch       Orchestrator
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, db *sql.DB, orch Orchestrator) *Handlers {
	return &Handlers{
		cfg:        cfg,
		db:         db,
		orch:       orch,
		stateStore: make(map[string]time.Time),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"chat_config", func() error { return h.cfg.ValidateChatReady() }},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the orchestrator snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// configPayload is the GET response and PUT request body for /config. Absent
// fields leave the corresponding knob untouched.
type configPayload struct {
	Intensity     *float64 `json:"intensity,omitempty"`
	Sensitivity   *float64 `json:"sensitivity,omitempty"`
	MinIntervalMs *int64   `json:"min_interval_ms,omitempty"`
}

// HandleConfig reads (GET) or updates (PUT) the runtime tuning knobs. Values
// are clamped, never rejected; the response always reflects the effective
// values after clamping.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var p configPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if p.Intensity != nil {
			h.orch.SetIntensity(*p.Intensity)
		}
		if p.Sensitivity != nil {
			h.orch.SetSensitivity(*p.Sensitivity)
		}
		if p.MinIntervalMs != nil {
			h.orch.SetMinInterval(time.Duration(*p.MinIntervalMs) * time.Millisecond)
		}
		h.orch.PersistKnobs(r.Context())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.orch.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"intensity":       snap.Intensity,
		"sensitivity":     snap.Sensitivity,
		"min_interval_ms": snap.MinIntervalMs,
	})
}

// HandleStats returns (GET) or resets (DELETE) the session counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.orch.Stats())
	case http.MethodDelete:
		h.orch.ResetStats()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMoments lists recent critical moments, oldest first.
func (h *Handlers) HandleMoments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	moments := h.orch.Moments()
	if moments == nil {
		moments = []clips.Moment{}
	}
	writeJSON(w, http.StatusOK, moments)
}

// HandleClips lists live clip requests plus stored clip records.
func (h *Handlers) HandleClips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requests := h.orch.ClipRequests()
	if requests == nil {
		requests = []clips.Request{}
	}
	var stored []dbpkg.ClipRecord
	if h.db != nil {
		var err error
		stored, err = dbpkg.RecentClips(r.Context(), h.db, 50)
		if err != nil {
			slog.Warn("failed to list stored clips", slog.Any("err", err))
		}
	}
	if stored == nil {
		stored = []dbpkg.ClipRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests, "stored": stored})
}

// HandleManualClip enqueues a clip bypassing worthiness checks.
func (h *Handlers) HandleManualClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body is fine
	}
	h.orch.CreateManualClip(body.Title)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// HandleActivate starts the bot's periodic tasks.
func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.orch.Activate(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"active": h.orch.Active()})
}

// HandleDeactivate stops the bot's periodic tasks.
func (h *Handlers) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.orch.Deactivate()
	writeJSON(w, http.StatusOK, map[string]any{"active": h.orch.Active()})
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return fmt.Errorf("too many pending oauth states")
	}
	h.stateStore[state] = expiry
	return nil
}

// consumeOAuthState validates and removes a state, returning false when it is
// unknown or expired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
