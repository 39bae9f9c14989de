package mock

import (
	"time"
)

// Config holds the mock agent configuration
type Config struct {
	// Script is the list of event lines emitted for every turn. When empty,
	// the prompt is echoed back as a short text turn.
	Script []string `json:"script"`

	// StepDelay is the delay between lines (default: none)
	StepDelay time.Duration `json:"step_delay"`

	// ChunkSize splits echoed text into deltas of this many runes (default: 8)
	ChunkSize int `json:"chunk_size"`

	// FailWith, when set, ends the turn with this error after the script.
	FailWith string `json:"fail_with"`
}

// DefaultConfig returns the default mock agent configuration
func DefaultConfig() Config {
	return Config{
		ChunkSize: 8,
	}
}

// Merge merges the given config with defaults
func (c Config) Merge(defaults Config) Config {
	result := defaults
	if len(c.Script) > 0 {
		result.Script = c.Script
	}
	if c.StepDelay > 0 {
		result.StepDelay = c.StepDelay
	}
	if c.ChunkSize > 0 {
		result.ChunkSize = c.ChunkSize
	}
	if c.FailWith != "" {
		result.FailWith = c.FailWith
	}
	return result
}
