package agentboot

import (
	"fmt"
	"sort"
	"sync"
)

// Config holds the AgentBoot configuration
type Config struct {
	DefaultBackend BackendType `json:"default_backend" yaml:"default_backend"`
}

// AgentBoot manages backend instances
type AgentBoot struct {
	mu       sync.RWMutex
	config   Config
	backends map[BackendType]Backend
}

// New creates a new AgentBoot instance
func New(config Config) *AgentBoot {
	if config.DefaultBackend == "" {
		config.DefaultBackend = BackendTypeExec
	}
	return &AgentBoot{
		config:   config,
		backends: make(map[BackendType]Backend),
	}
}

// RegisterBackend registers a backend under t, replacing any previous one.
func (ab *AgentBoot) RegisterBackend(t BackendType, b Backend) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.backends[t] = b
}

// GetBackend returns a backend by type
func (ab *AgentBoot) GetBackend(t BackendType) (Backend, error) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	b, exists := ab.backends[t]
	if !exists {
		return nil, fmt.Errorf("backend type not registered: %s", t)
	}
	return b, nil
}

// GetDefaultBackend returns the default backend
func (ab *AgentBoot) GetDefaultBackend() (Backend, error) {
	ab.mu.RLock()
	t := ab.config.DefaultBackend
	ab.mu.RUnlock()
	return ab.GetBackend(t)
}

// SetDefaultBackend sets the default backend type
func (ab *AgentBoot) SetDefaultBackend(t BackendType) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if _, exists := ab.backends[t]; !exists {
		return fmt.Errorf("backend type not registered: %s", t)
	}
	ab.config.DefaultBackend = t
	return nil
}

// ListBackends returns all registered backend types, sorted.
func (ab *AgentBoot) ListBackends() []BackendType {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	types := make([]BackendType, 0, len(ab.backends))
	for t := range ab.backends {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
