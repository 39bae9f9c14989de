package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tingly-dev/codex-relay/agentboot"
	"github.com/tingly-dev/codex-relay/internal/config"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/obs/otel"
	"github.com/tingly-dev/codex-relay/internal/server"
)

// ServeOptions holds the serve flags. Zero values leave the config untouched.
type ServeOptions struct {
	ConfigPath     string
	Host           string
	Port           int
	Backend        string
	OutputMode     string
	StopAfterTools string
	LogLevel       string
	Watch          bool
}

// ServeCommand runs the relay HTTP server.
func ServeCommand(build BuildInfo) *cobra.Command {
	var opts ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(opts, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts, build)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: ~/.codex-relay/config.yaml)")
	fs.StringVar(&opts.Host, "host", "", "listen host")
	fs.IntVarP(&opts.Port, "port", "p", 0, "listen port")
	fs.StringVar(&opts.Backend, "backend", "", "backend type (exec, replay, mock)")
	fs.StringVar(&opts.OutputMode, "output-mode", "", "tool call output mode (raw, synthesized)")
	fs.StringVar(&opts.StopAfterTools, "stop-after-tools", "", "drop text after tool calls (off, any, first_burst)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "log level")
	fs.BoolVar(&opts.Watch, "watch", true, "reload the config file when it changes")
	return cmd
}

// loadServeConfig loads the config file and applies the flags that were set.
func loadServeConfig(opts ServeOptions, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("host") {
		cfg.Server.Host = opts.Host
	}
	if fs.Changed("port") {
		cfg.Server.Port = opts.Port
	}
	if fs.Changed("backend") {
		cfg.Backend.Type = agentboot.BackendType(opts.Backend)
	}
	if fs.Changed("output-mode") {
		cfg.Output.Mode = opts.OutputMode
	}
	if fs.Changed("stop-after-tools") {
		cfg.Output.StopAfterTools = opts.StopAfterTools
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, opts ServeOptions, build BuildInfo) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logCloser, err := obs.SetupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	meters, err := otel.NewMeterSetup(ctx, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meters.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("[serve] metrics shutdown failed")
		}
	}()

	srv, err := server.NewServer(cfg,
		server.WithVersion(build.Version),
		server.WithMetrics(meters.Tracker()),
		server.WithConfigWatcher(opts.Watch),
	)
	if err != nil {
		return err
	}

	if cfg.ConfigFile != "" {
		logrus.Infof("[serve] using config %s", cfg.ConfigFile)
	} else {
		logrus.Info("[serve] no config file found, using defaults")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serverErr:
		return err
	case sig := <-sigCh:
		logrus.Infof("[serve] received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-serverErr
}
