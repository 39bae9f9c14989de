package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "codex-relay"

// MeterSetup holds the meter provider and relay tracker.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *Tracker
}

// NewMeterSetup creates the meter provider described by cfg. When metrics are
// disabled the tracker is still usable and records into the global provider.
func NewMeterSetup(ctx context.Context, cfg Config) (*MeterSetup, error) {
	if !cfg.Enabled {
		tracker, err := NewTracker(otel.GetMeterProvider().Meter(meterName))
		if err != nil {
			return nil, err
		}
		return &MeterSetup{tracker: tracker}, nil
	}

	var opts []sdkmetric.Option
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = DefaultConfig().ExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	tracker, err := NewTracker(meterProvider.Meter(meterName))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create relay tracker: %w", err)
	}

	return &MeterSetup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

// Tracker returns the relay tracker.
func (ms *MeterSetup) Tracker() *Tracker {
	if ms == nil {
		return nil
	}
	return ms.tracker
}

// Shutdown flushes and shuts down the meter provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms == nil || ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}
