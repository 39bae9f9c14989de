package agentboot

import (
	"errors"
	"time"
)

// ExecConfig describes how to launch the agent process.
type ExecConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	WorkDir string            `yaml:"workdir" json:"workdir"`
	Env     map[string]string `yaml:"env" json:"env"`
	// Timeout bounds one turn; zero means no limit beyond the request context.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// ModelFlag, when set, is passed with the requested model (e.g. "--model").
	ModelFlag string `yaml:"model_flag" json:"model_flag"`
}

// DefaultExecConfig runs codex in non-interactive JSON mode with the prompt on stdin.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Command: "codex",
		Args:    []string{"exec", "--json", "-"},
		Timeout: 10 * time.Minute,
	}
}

// Validate checks the config is usable.
func (c ExecConfig) Validate() error {
	if c.Command == "" {
		return errors.New("backend command is required")
	}
	if c.Timeout < 0 {
		return errors.New("backend timeout must not be negative")
	}
	return nil
}
