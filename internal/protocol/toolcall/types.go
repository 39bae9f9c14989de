package toolcall

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const defaultCallType = "function"

// ToolCall is an immutable view of one reconstructed call.
type ToolCall struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Delta is one incremental update for a call. Scalar fields are set only the
// first time they are emitted.
type Delta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Result reports what one ingest call changed.
type Result struct {
	Updated bool
	Deltas  []Delta
}

// MessageOptions controls final-message ingestion.
type MessageOptions struct {
	// EmitIfMissing produces one catch-up delta for calls that never had a delta sent.
	EmitIfMissing bool
}

// Entry is the mutable reconstruction state of one call.
type Entry struct {
	index int
	id    string
	typ   string
	name  string
	args  []byte

	argsSent  int
	idSent    bool
	typeSent  bool
	nameSent  bool
	deltaSent bool

	legacy bool
}

func (e *Entry) reset(id string) {
	*e = Entry{index: e.index, id: id}
}

func (e *Entry) ensureID() {
	if e.id == "" {
		e.id = NewCallID()
	}
}

// pendingArgs returns the unsent argument bytes that form complete UTF-8
// sequences. A trailing partial rune stays buffered.
func (e *Entry) pendingArgs() []byte {
	if e.argsSent >= len(e.args) {
		return nil
	}
	pending := e.args[e.argsSent:]
	return pending[:completePrefix(pending)]
}

func (e *Entry) view() ToolCall {
	typ := e.typ
	if typ == "" {
		typ = defaultCallType
	}
	return ToolCall{
		Index:     e.index,
		ID:        e.id,
		Type:      typ,
		Name:      e.name,
		Arguments: string(e.args),
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func completePrefix(b []byte) int {
	n := len(b)
	if n == 0 {
		return 0
	}
	// Walk back at most UTFMax-1 bytes to find the last rune start.
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return n
			}
			return i
		}
	}
	return n
}

// NewCallID generates a tool call id.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func normalizeType(t string) string {
	switch strings.ToLower(t) {
	case "", "function", "function_call", "tool_call", "tool_use":
		return defaultCallType
	default:
		return t
	}
}
