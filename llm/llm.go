// Package llm defines the completion capability consumed by the response
// generator and the OpenAI-backed implementation of it. The generator only
// depends on Provider, so the vendor can be swapped without touching policy
// logic.
package llm

import "context"

// Role values for prompt history messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior conversation turn included in the prompt.
type Message struct {
	Role    string
	Content string
}

// Prompt is the structured payload assembled by the generator: a persona
// section, a bounded slice of recent turns, and the triggering text.
type Prompt struct {
	System  string
	History []Message
	User    string
}

// Provider performs a single bounded completion call. Implementations must
// honor ctx cancellation and return an error for any transport, timeout, or
// malformed-response condition; callers treat all failures identically.
type Provider interface {
	Complete(ctx context.Context, p Prompt, maxTokens int) (string, error)
}
