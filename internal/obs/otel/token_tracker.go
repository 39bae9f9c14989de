package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageOptions describes one finished request for usage recording.
type UsageOptions struct {
	Protocol         string
	OutputMode       string
	Streamed         bool
	Status           string
	PromptTokens     int
	CompletionTokens int
	Provenance       string
	LatencyMs        int64
}

// Tracker records relay metrics. A nil *Tracker is valid and records nothing.
type Tracker struct {
	tokens          metric.Int64Counter
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	finishReasons   metric.Int64Counter
	unknownFinish   metric.Int64Counter
	toolBlockAborts metric.Int64Counter
}

// NewTracker creates the relay instruments on meter.
func NewTracker(meter metric.Meter) (*Tracker, error) {
	t := &Tracker{}
	var err error

	t.tokens, err = meter.Int64Counter(
		"relay.tokens",
		metric.WithDescription("Tokens accounted per request by type and provenance"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	t.requests, err = meter.Int64Counter(
		"relay.requests",
		metric.WithDescription("Number of relayed requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	t.requestDuration, err = meter.Float64Histogram(
		"relay.request.duration",
		metric.WithDescription("Relayed request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	t.finishReasons, err = meter.Int64Counter(
		"relay.finish_reasons",
		metric.WithDescription("Resolved finish reasons by source"),
	)
	if err != nil {
		return nil, err
	}

	t.unknownFinish, err = meter.Int64Counter(
		"relay.finish_unknown_values",
		metric.WithDescription("Finish reason values that could not be canonicalized"),
	)
	if err != nil {
		return nil, err
	}

	t.toolBlockAborts, err = meter.Int64Counter(
		"relay.tool_block_aborts",
		metric.WithDescription("Inline tool blocks flushed as literal text"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RecordUsage records token usage and request counters for one request.
func (t *Tracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	if t == nil {
		return
	}
	common := []attribute.KeyValue{
		AttrProtocol.String(opts.Protocol),
		AttrOutputMode.String(opts.OutputMode),
		AttrStreaming.Bool(opts.Streamed),
		AttrStatus.String(opts.Status),
	}

	if opts.PromptTokens > 0 {
		attrs := append(append([]attribute.KeyValue{}, common...),
			AttrTokenType.String("prompt"), AttrTokenProvenance.String(opts.Provenance))
		t.tokens.Add(ctx, int64(opts.PromptTokens), metric.WithAttributes(attrs...))
	}
	if opts.CompletionTokens > 0 {
		attrs := append(append([]attribute.KeyValue{}, common...),
			AttrTokenType.String("completion"), AttrTokenProvenance.String(opts.Provenance))
		t.tokens.Add(ctx, int64(opts.CompletionTokens), metric.WithAttributes(attrs...))
	}

	t.requests.Add(ctx, 1, metric.WithAttributes(common...))
	if opts.LatencyMs > 0 {
		t.requestDuration.Record(ctx, float64(opts.LatencyMs), metric.WithAttributes(common...))
	}
}

// RecordFinish counts one resolved finish reason.
func (t *Tracker) RecordFinish(ctx context.Context, reason, source string) {
	if t == nil {
		return
	}
	t.finishReasons.Add(ctx, 1, metric.WithAttributes(
		AttrFinishReason.String(reason),
		AttrFinishSource.String(source),
	))
}

// RecordUnknownFinish counts a finish value that matched no canonical reason.
func (t *Tracker) RecordUnknownFinish(ctx context.Context, source string) {
	if t == nil {
		return
	}
	t.unknownFinish.Add(ctx, 1, metric.WithAttributes(AttrFinishSource.String(source)))
}

// RecordToolBlockAbort counts an inline tool block flushed back as text.
func (t *Tracker) RecordToolBlockAbort(ctx context.Context) {
	if t == nil {
		return
	}
	t.toolBlockAborts.Add(ctx, 1)
}
