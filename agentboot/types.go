package agentboot

import (
	"context"
)

// BackendType names a registered backend.
type BackendType string

const (
	BackendTypeExec   BackendType = "exec"
	BackendTypeReplay BackendType = "replay"
	BackendTypeMock   BackendType = "mock"
)

// String returns the string representation of BackendType
func (t BackendType) String() string {
	return string(t)
}

// Request is one turn handed to a backend.
type Request struct {
	// Prompt is the flattened conversation written to the agent.
	Prompt string
	// Model is the model the client asked for; backends may pass it on.
	Model string
	// SessionID correlates backend logs with the client request.
	SessionID string
}

// LineSource yields backend event lines in arrival order. Line is valid
// until the next call to Next. Err reports why Next returned false, nil at
// a clean end of stream.
type LineSource interface {
	Next() bool
	Line() []byte
	Err() error
	Close() error
}

// Backend starts one agent turn and returns its event lines.
type Backend interface {
	Start(ctx context.Context, req Request) (LineSource, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (LineSource, error)

// Start implements Backend.
func (f BackendFunc) Start(ctx context.Context, req Request) (LineSource, error) {
	return f(ctx, req)
}
