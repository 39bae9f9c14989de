package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tingly-dev/codex-relay/agentboot"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/obs/otel"
	"github.com/tingly-dev/codex-relay/internal/protocol/finish"
	"github.com/tingly-dev/codex-relay/internal/protocol/stream"
	"github.com/tingly-dev/codex-relay/internal/record"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CODEX_RELAY_"

	DefaultHost = "127.0.0.1"
	DefaultPort = 8787

	configDirName  = ".codex-relay"
	configFileName = "config.yaml"
	captureDirName = "captures"
)

// Config is the relay configuration.
type Config struct {
	Server     ServerConfig  `yaml:"server"`
	Backend    BackendConfig `yaml:"backend"`
	Output     OutputConfig  `yaml:"output"`
	ModelRules []ModelRule   `yaml:"model_rules"`
	Log        obs.LogConfig `yaml:"log"`
	Metrics    otel.Config   `yaml:"metrics"`
	Capture    CaptureConfig `yaml:"capture"`

	// ConfigFile is where the config was loaded from; empty for defaults.
	ConfigFile string `yaml:"-"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig selects and configures the agent backend.
type BackendConfig struct {
	Type                 agentboot.BackendType `yaml:"type"`
	agentboot.ExecConfig `yaml:",inline"`
	ReplayPath           string        `yaml:"replay_path"`
	ReplayDelay          time.Duration `yaml:"replay_delay"`
}

// CaptureConfig controls recording of backend turns for later replay.
type CaptureConfig struct {
	// Mode is "" (off), "events" or "all".
	Mode string `yaml:"mode"`
	Dir  string `yaml:"dir"`
}

// OutputConfig holds the default output policy.
type OutputConfig struct {
	Mode                 string `yaml:"mode"`
	StopAfterTools       string `yaml:"stop_after_tools"`
	SuppressTail         bool   `yaml:"suppress_tail"`
	FallbackFinishReason string `yaml:"fallback_finish_reason"`
	// ToolCallBlocks enables the <tool_call>{json}</tool_call> matcher.
	ToolCallBlocks bool `yaml:"tool_call_blocks"`
}

// ModelRule overrides the output policy for models matching Pattern.
// Empty fields inherit the defaults.
type ModelRule struct {
	Pattern        string `yaml:"pattern"`
	Mode           string `yaml:"mode"`
	StopAfterTools string `yaml:"stop_after_tools"`
	SuppressTail   *bool  `yaml:"suppress_tail"`

	matcher glob.Glob
}

// OutputPolicy is the parsed output policy for one request.
type OutputPolicy struct {
	Mode           stream.OutputMode
	StopAfterTools stream.StopPolicy
	SuppressTail   bool
	FallbackReason string
	ToolCallBlocks bool
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Type:       agentboot.BackendTypeExec,
			ExecConfig: agentboot.DefaultExecConfig(),
		},
		Output: OutputConfig{
			Mode:                 string(stream.ModeRaw),
			StopAfterTools:       string(stream.StopOff),
			FallbackFinishReason: finish.Stop,
		},
		Log:     obs.DefaultLogConfig(),
		Metrics: otel.DefaultConfig(),
		Capture: CaptureConfig{Dir: filepath.Join(filepath.Dir(DefaultPath()), captureDirName)},
	}
}

// DefaultPath returns ~/.codex-relay/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(configDirName, configFileName)
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load reads path (or the default path when empty), loads .env files next to
// it and in the working directory, applies CODEX_RELAY_* overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.ConfigFile = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the first existing files; values already in the
// environment win.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, v, err)
		}
		c.Server.Port = port
	}
	if v, ok := get("BACKEND"); ok {
		c.Backend.Type = agentboot.BackendType(v)
	}
	if v, ok := get("BACKEND_COMMAND"); ok {
		fields := strings.Fields(v)
		c.Backend.Command = fields[0]
		if len(fields) > 1 {
			c.Backend.Args = fields[1:]
		}
	}
	if v, ok := get("OUTPUT_MODE"); ok {
		c.Output.Mode = v
	}
	if v, ok := get("STOP_AFTER_TOOLS"); ok {
		c.Output.StopAfterTools = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("CAPTURE"); ok {
		c.Capture.Mode = v
	}
	return nil
}

// Validate checks every enumerated value and compiles the model rules.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Backend.Type {
	case agentboot.BackendTypeExec:
		if err := c.Backend.ExecConfig.Validate(); err != nil {
			return err
		}
	case agentboot.BackendTypeReplay:
		if c.Backend.ReplayPath == "" {
			return errors.New("backend.replay_path is required for the replay backend")
		}
	case agentboot.BackendTypeMock:
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}
	if _, err := stream.ParseOutputMode(c.Output.Mode); err != nil {
		return err
	}
	if _, err := stream.ParseStopPolicy(c.Output.StopAfterTools); err != nil {
		return err
	}
	if r := c.Output.FallbackFinishReason; r != "" && !finish.IsCanonical(r) {
		return fmt.Errorf("invalid fallback_finish_reason %q", r)
	}
	if _, err := obs.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := record.ParseCaptureMode(c.Capture.Mode); err != nil {
		return err
	}

	for i := range c.ModelRules {
		rule := &c.ModelRules[i]
		if rule.Pattern == "" {
			return fmt.Errorf("model_rules[%d]: pattern is required", i)
		}
		g, err := glob.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("model_rules[%d]: invalid pattern %q: %w", i, rule.Pattern, err)
		}
		rule.matcher = g
		if rule.Mode != "" {
			if _, err := stream.ParseOutputMode(rule.Mode); err != nil {
				return fmt.Errorf("model_rules[%d]: %w", i, err)
			}
		}
		if rule.StopAfterTools != "" {
			if _, err := stream.ParseStopPolicy(rule.StopAfterTools); err != nil {
				return fmt.Errorf("model_rules[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// PolicyFor resolves the output policy for model. The first matching rule
// wins. Validate must have succeeded.
func (c *Config) PolicyFor(model string) OutputPolicy {
	mode, _ := stream.ParseOutputMode(c.Output.Mode)
	stop, _ := stream.ParseStopPolicy(c.Output.StopAfterTools)
	p := OutputPolicy{
		Mode:           mode,
		StopAfterTools: stop,
		SuppressTail:   c.Output.SuppressTail,
		FallbackReason: c.Output.FallbackFinishReason,
		ToolCallBlocks: c.Output.ToolCallBlocks,
	}

	for _, rule := range c.ModelRules {
		if rule.matcher == nil || !rule.matcher.Match(model) {
			continue
		}
		if rule.Mode != "" {
			p.Mode, _ = stream.ParseOutputMode(rule.Mode)
		}
		if rule.StopAfterTools != "" {
			p.StopAfterTools, _ = stream.ParseStopPolicy(rule.StopAfterTools)
		}
		if rule.SuppressTail != nil {
			p.SuppressTail = *rule.SuppressTail
		}
		break
	}
	return p
}
