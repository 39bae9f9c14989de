package events

import (
	"github.com/tidwall/gjson"
)

// Kind is the closed set of backend event kinds the relay understands.
type Kind int

const (
	// KindOther covers every type the relay does not handle itself.
	KindOther Kind = iota
	KindMessageDelta
	KindMessageFinal
	KindFunctionCallOutput
	KindMetadata
	KindTokenCount
	KindUsage
	KindTaskComplete
)

// String returns the canonical event type name for k.
func (k Kind) String() string {
	switch k {
	case KindMessageDelta:
		return "message_delta"
	case KindMessageFinal:
		return "message_final"
	case KindFunctionCallOutput:
		return "function_call_output"
	case KindMetadata:
		return "metadata"
	case KindTokenCount:
		return "token_count"
	case KindUsage:
		return "usage"
	case KindTaskComplete:
		return "task_complete"
	default:
		return "other"
	}
}

// kindAliases maps backend type spellings onto kinds. Keys are lowercase.
var kindAliases = map[string]Kind{
	"message_delta":        KindMessageDelta,
	"agent_message_delta":  KindMessageDelta,
	"delta":                KindMessageDelta,
	"message_final":        KindMessageFinal,
	"agent_message":        KindMessageFinal,
	"message":              KindMessageFinal,
	"function_call_output": KindFunctionCallOutput,
	"exec_command_end":     KindFunctionCallOutput,
	"mcp_tool_call_end":    KindFunctionCallOutput,
	"metadata":             KindMetadata,
	"session_configured":   KindMetadata,
	"token_count":          KindTokenCount,
	"usage":                KindUsage,
	"task_complete":        KindTaskComplete,
	"turn_complete":        KindTaskComplete,
}

// KindOf resolves a backend event type name to its Kind.
func KindOf(eventType string) Kind {
	if k, ok := kindAliases[normalizeType(eventType)]; ok {
		return k
	}
	return KindOther
}

// Envelope is one parsed backend line, independent of the transport shape it
// arrived in.
type Envelope struct {
	Kind Kind
	// Type is the type name as sent by the backend.
	Type string
	// ID is the backend event or request id, when present.
	ID string
	// Payload is the event body; for codex NDJSON this is the msg object.
	Payload gjson.Result
	Raw     []byte
}
