package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/agentboot"
	mock "github.com/tingly-dev/codex-relay/agentboot/mockagent"
	"github.com/tingly-dev/codex-relay/internal/config"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/obs/otel"
	"github.com/tingly-dev/codex-relay/internal/record"
	"github.com/tingly-dev/codex-relay/internal/server/middleware"
)

// Server is the relay HTTP server.
type Server struct {
	config     atomic.Pointer[config.Config]
	recorder   atomic.Pointer[record.Recorder]
	boot       *agentboot.AgentBoot
	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.ConfigWatcher
	mu         sync.Mutex

	once    *obs.OnceRegistry
	metrics *otel.Tracker

	// backend, when set, replaces the configured backend.
	backend     agentboot.Backend
	watchConfig bool
	version     string
}

// ServerOption defines a functional option for Server configuration
type ServerOption func(*Server)

func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithMetrics records relay metrics through tracker.
func WithMetrics(tracker *otel.Tracker) ServerOption {
	return func(s *Server) {
		s.metrics = tracker
	}
}

// WithBackend serves every request from b regardless of the configured backend.
func WithBackend(b agentboot.Backend) ServerOption {
	return func(s *Server) {
		s.backend = b
	}
}

// WithConfigWatcher enables hot reload of the loaded config file.
func WithConfigWatcher(enabled bool) ServerOption {
	return func(s *Server) {
		s.watchConfig = enabled
	}
}

// WithOnceRegistry shares a once-only log registry with the server.
func WithOnceRegistry(once *obs.OnceRegistry) ServerOption {
	return func(s *Server) {
		s.once = once
	}
}

// NewServer creates a server for cfg.
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{
		boot:    agentboot.New(agentboot.Config{DefaultBackend: cfg.Backend.Type}),
		engine:  gin.New(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.once == nil {
		s.once = obs.NewOnceRegistry()
	}

	if err := s.applyConfig(cfg); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()
	if s.watchConfig {
		s.setupConfigWatcher()
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	return s.config.Load()
}

// applyConfig registers the backend described by cfg and publishes cfg.
// Requests already running keep the config they started with.
func (s *Server) applyConfig(cfg *config.Config) error {
	backendType := cfg.Backend.Type
	backend := s.backend
	if backend == nil {
		var err error
		backend, err = newBackend(cfg.Backend)
		if err != nil {
			return err
		}
	}

	mode, err := record.ParseCaptureMode(cfg.Capture.Mode)
	if err != nil {
		return err
	}
	recorder, err := record.NewRecorder(cfg.Capture.Dir, mode)
	if err != nil {
		return err
	}

	s.boot.RegisterBackend(backendType, backend)
	if err := s.boot.SetDefaultBackend(backendType); err != nil {
		return err
	}
	s.recorder.Store(recorder)
	s.config.Store(cfg)
	return nil
}

func newBackend(cfg config.BackendConfig) (agentboot.Backend, error) {
	switch cfg.Type {
	case agentboot.BackendTypeExec:
		b, err := agentboot.NewExecBackend(cfg.ExecConfig)
		if err != nil {
			return nil, err
		}
		if !b.IsAvailable() {
			logrus.Warnf("[server] backend command %q not found in PATH", cfg.Command)
		}
		return b, nil
	case agentboot.BackendTypeReplay:
		return &agentboot.ReplayBackend{Path: cfg.ReplayPath, Delay: cfg.ReplayDelay}, nil
	case agentboot.BackendTypeMock:
		return mock.NewAgent(mock.DefaultConfig()), nil
	}
	return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
}

// setupConfigWatcher initializes the configuration hot-reload watcher
func (s *Server) setupConfigWatcher() {
	path := s.Config().ConfigFile
	if path == "" {
		logrus.Debug("[server] no config file loaded, hot reload disabled")
		return
	}
	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logrus.WithError(err).Warn("[server] failed to create config watcher")
		return
	}
	s.watcher = watcher

	watcher.AddCallback(func(newConfig *config.Config) {
		old := s.Config()
		if newConfig.Server.Addr() != old.Server.Addr() {
			logrus.Warnf("[server] listen address change to %s needs a restart", newConfig.Server.Addr())
		}
		if err := s.applyConfig(newConfig); err != nil {
			logrus.WithError(err).Error("[server] failed to apply reloaded configuration")
			return
		}
		if level, err := obs.ParseLevel(newConfig.Log.Level); err == nil {
			logrus.SetLevel(level)
		}
	})
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.RequestLog(logrus.StandardLogger()))
}

// setupRoutes configures server routes
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.POST("/responses", s.ResponsesCreate)
		v1.GET("/models", s.ListModels)
	}

	// Aliases without the version prefix.
	s.engine.POST("/chat/completions", s.ChatCompletions)
	s.engine.POST("/responses", s.ResponsesCreate)
}

// Start serves on the configured address until Shutdown is called.
func (s *Server) Start() error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.WithError(err).Warn("[server] failed to start config watcher")
		} else {
			logrus.Info("[server] configuration hot-reload enabled")
		}
	}

	addr := s.Config().Server.Addr()
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logrus.Infof("[server] chat completions endpoint: http://%s/v1/chat/completions", addr)
	logrus.Infof("[server] responses endpoint: http://%s/v1/responses", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the watcher and drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
