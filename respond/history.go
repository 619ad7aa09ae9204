package respond

import (
	"sync"
	"time"
)

// Turn is one recorded conversation entry. The history records attempts, not
// just successes, so prompt context stays coherent across near-duplicate
// triggers.
type Turn struct {
	Speaker    string
	Text       string
	OccurredAt time.Time
	FromBot    bool
}

// History is a bounded most-recent-N sliding window of conversation turns.
// The raw log is longer than the prompt excerpt on purpose: 20 turns kept,
// 5 handed to the prompt.
type History struct {
	mu    sync.Mutex
	turns []Turn
	limit int
}

// DefaultHistoryLimit is the raw window size.
const DefaultHistoryLimit = 20

// DefaultPromptTurns is the excerpt size included in prompts.
const DefaultPromptTurns = 5

// NewHistory builds a window; limit <= 0 selects DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Append records a turn, evicting the oldest beyond the window bound.
func (h *History) Append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	if len(h.turns) > h.limit {
		h.turns = h.turns[len(h.turns)-h.limit:]
	}
}

// Recent returns a copy of the most recent n turns, oldest first.
func (h *History) Recent(n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.turns) {
		n = len(h.turns)
	}
	out := make([]Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
