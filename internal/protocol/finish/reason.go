// Package finish arbitrates finish reasons reported by several sources and
// resolves them to the canonical set clients understand.
package finish

import "strings"

// Canonical finish reasons.
const (
	Stop          = "stop"
	Length        = "length"
	ToolCalls     = "tool_calls"
	ContentFilter = "content_filter"
	FunctionCall  = "function_call"
)

var synonyms = map[string]string{
	"stop":          Stop,
	"end_turn":      Stop,
	"stop_sequence": Stop,
	"complete":      Stop,
	"completed":     Stop,
	"done":          Stop,
	"finished":      Stop,
	"eos":           Stop,
	"end":           Stop,
	"natural":       Stop,
	"normal":        Stop,
	"pause_turn":    Stop,

	"length":                        Length,
	"max_tokens":                    Length,
	"max_output_tokens":             Length,
	"max_length":                    Length,
	"token_limit":                   Length,
	"context_length_exceeded":       Length,
	"model_context_window_exceeded": Length,
	"truncated":                     Length,
	"incomplete":                    Length,

	"tool_calls":     ToolCalls,
	"tool_call":      ToolCalls,
	"tool_use":       ToolCalls,
	"tools":          ToolCalls,
	"function_calls": ToolCalls,

	"function_call": FunctionCall,

	"content_filter":     ContentFilter,
	"content_filtered":   ContentFilter,
	"safety":             ContentFilter,
	"recitation":         ContentFilter,
	"blocklist":          ContentFilter,
	"prohibited_content": ContentFilter,
	"spii":               ContentFilter,
	"refusal":            ContentFilter,
}

// limitFlags are boolean field names that mean the output was cut short.
var limitFlags = map[string]bool{
	"max_tokens_reached":      true,
	"limit_reached":           true,
	"token_limit_reached":     true,
	"length_limit_reached":    true,
	"truncated":               true,
	"context_window_exceeded": true,
}

// LimitFlags returns the recognized boolean limit flag names.
func LimitFlags() []string {
	out := make([]string, 0, len(limitFlags))
	for k := range limitFlags {
		out = append(out, k)
	}
	return out
}

// IsLimitFlag reports whether name is a boolean "limit reached" flag.
func IsLimitFlag(name string) bool {
	return limitFlags[normalize(name)]
}

// IsCanonical reports whether reason is one of the canonical values.
func IsCanonical(reason string) bool {
	switch reason {
	case Stop, Length, ToolCalls, ContentFilter, FunctionCall:
		return true
	}
	return false
}

// Canonicalize maps a raw spelling onto a canonical reason.
func Canonicalize(raw string) (string, bool) {
	key := normalize(raw)
	if key == "" {
		return "", false
	}
	if c, ok := synonyms[key]; ok {
		return c, true
	}
	if limitFlags[key] {
		return Length, true
	}

	switch {
	case containsAny(key, "filter", "moderat", "safety", "blocked", "refus"):
		return ContentFilter, true
	case containsAny(key, "tool"):
		return ToolCalls, true
	case containsAny(key, "function"):
		return FunctionCall, true
	case containsAny(key, "length", "token", "limit", "truncat"):
		return Length, true
	}
	return "", false
}

func normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
