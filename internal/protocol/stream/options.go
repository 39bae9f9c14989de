package stream

import (
	"fmt"
	"strings"
)

// OutputMode selects how tool calls reach the client.
type OutputMode string

const (
	// ModeRaw forwards structured tool-call deltas and verbatim text.
	ModeRaw OutputMode = "raw"
	// ModeSynthesized additionally renders tool calls as inline use_tool blocks.
	ModeSynthesized OutputMode = "synthesized"
)

// StopPolicy controls whether literal text after tool evidence is dropped.
type StopPolicy string

const (
	StopOff        StopPolicy = "off"
	StopAny        StopPolicy = "any"
	StopFirstBurst StopPolicy = "first_burst"
)

// ParseOutputMode parses a configured mode; empty means raw.
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeSynthesized:
		return ModeSynthesized, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

// ParseStopPolicy parses a configured policy; empty means off.
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch StopPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StopOff:
		return StopOff, nil
	case StopAny:
		return StopAny, nil
	case StopFirstBurst:
		return StopFirstBurst, nil
	}
	return "", fmt.Errorf("unknown stop_after_tools policy %q", s)
}
