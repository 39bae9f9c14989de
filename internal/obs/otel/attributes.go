package otel

import "go.opentelemetry.io/otel/attribute"

// Attribute keys used on relay metrics.
var (
	// AttrProtocol is the client-facing wire format ("chat" or "responses").
	AttrProtocol = attribute.Key("relay.protocol")

	// AttrOutputMode is the configured tool output mode ("raw" or "synthesized").
	AttrOutputMode = attribute.Key("relay.output_mode")

	// AttrStreaming indicates whether the client asked for a stream.
	AttrStreaming = attribute.Key("relay.streaming")

	// AttrFinishReason is the canonical finish reason sent to the client.
	AttrFinishReason = attribute.Key("relay.finish.reason")

	// AttrFinishSource names the signal the finish reason was taken from.
	AttrFinishSource = attribute.Key("relay.finish.source")

	// AttrTokenType is "prompt" or "completion".
	AttrTokenType = attribute.Key("relay.token_type")

	// AttrTokenProvenance is "estimate", "event" or "provider".
	AttrTokenProvenance = attribute.Key("relay.token.provenance")

	// AttrStatus is the request outcome ("success", "error", "canceled").
	AttrStatus = attribute.Key("relay.status")
)
