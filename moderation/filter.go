// Package moderation sanitizes generated text before it reaches chat. The
// filter is a pure function over its configuration: denylist rejection,
// whitespace collapsing, character allow-listing, and length truncation.
// It is a transport-safety measure, not a profanity classifier.
package moderation

import (
	"strings"
	"unicode"
)

// DefaultMaxLen bounds outbound messages; Twitch rejects anything near 500.
const DefaultMaxLen = 450

// ellipsis is appended when a message is truncated.
const ellipsis = "…"

// allowedPunct is the punctuation kept by the character allow-list.
const allowedPunct = ` .,!?;:'"()[]-_@#%&+/*=<>~`

// allowedEmoji is a small fixed set of single-rune emoji that survive filtering.
var allowedEmoji = map[rune]bool{
	'🎉': true, '🎮': true, '🔥': true, '💀': true, '😂': true,
	'😄': true, '😮': true, '👏': true, '👍': true, '💪': true,
	'❤': true, '✨': true,
}

// Filter applies the moderation policy. Zero value is unusable; construct with NewFilter.
type Filter struct {
	denied []string
	maxLen int
}

// NewFilter builds a filter from a denylist (matched case-insensitively as
// substrings) and a maximum rune length. maxLen <= 0 selects DefaultMaxLen.
func NewFilter(denied []string, maxLen int) *Filter {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	lowered := make([]string, 0, len(denied))
	for _, w := range denied {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return &Filter{denied: lowered, maxLen: maxLen}
}

// Apply returns the sanitized text and true, or "" and false when the text is
// rejected outright (denylist hit or nothing left after sanitizing).
func (f *Filter) Apply(text string) (string, bool) {
	// Collapse runs of whitespace/newlines and trim.
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return "", false
	}

	lower := strings.ToLower(collapsed)
	for _, w := range f.denied {
		if strings.Contains(lower, w) {
			return "", false
		}
	}

	var b strings.Builder
	for _, r := range collapsed {
		if allowedRune(r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", false
	}

	if runes := []rune(out); len(runes) > f.maxLen {
		out = strings.TrimSpace(string(runes[:f.maxLen])) + ellipsis
	}
	return out, true
}

func allowedRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	if strings.ContainsRune(allowedPunct, r) {
		return true
	}
	return allowedEmoji[r]
}
