package otel

import "time"

// Config holds the configuration for the meter setup.
type Config struct {
	// Enabled installs an SDK meter provider; otherwise the global noop provider is used.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Stdout exports metrics as JSON to stdout.
	Stdout bool `yaml:"stdout" json:"stdout"`

	// ExportInterval is the time between exports. Default: 30s
	ExportInterval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultConfig returns a config with metrics disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ExportInterval: 30 * time.Second,
	}
}
