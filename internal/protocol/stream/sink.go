package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tingly-dev/codex-relay/internal/protocol/token"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

// ErrCanceled is returned once a request has been canceled.
var ErrCanceled = errors.New("stream canceled")

// StartInfo identifies the response being produced.
type StartInfo struct {
	ID      string
	Model   string
	Created int64
}

// Sink receives the canonical timeline of one response and serializes it.
type Sink interface {
	Start(info StartInfo) error
	Text(choice int, text string) error
	ToolCalls(choice int, deltas []toolcall.Delta) error
	Finish(choice int, reason string) error
	Usage(u token.Resolved) error
	Done() error
	Fail(err error) error
	// Abort ends a canceled stream with only the terminal marker.
	Abort() error
}

// FrameWriter writes one SSE frame. An empty event writes a data-only frame.
type FrameWriter interface {
	WriteFrame(event string, data []byte) error
}

// SSEWriter writes SSE frames to an io.Writer and flushes after each frame.
// Writes are synchronous, so a slow client blocks the producer and frames
// stay in order.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	ctx     context.Context
}

// NewSSEWriter wraps w. When ctx is done further writes fail with ErrCanceled.
func NewSSEWriter(ctx context.Context, w io.Writer) *SSEWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f, ctx: ctx}
}

// WriteFrame implements FrameWriter.
func (s *SSEWriter) WriteFrame(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrCanceled
	}
	var err error
	if event != "" {
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	}
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
