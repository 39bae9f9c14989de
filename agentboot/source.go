package agentboot

import (
	"context"
	"io"
	"time"

	"github.com/tingly-dev/codex-relay/agentboot/events"
)

// ReaderSource reads newline-delimited events from an io.Reader.
type ReaderSource struct {
	ctx     context.Context
	scanner *events.LineScanner
	closer  io.Closer
	delay   time.Duration
	started bool
	err     error
}

// NewReaderSource wraps r. When r is an io.Closer it is closed by Close.
// A positive delay paces lines, which replays use to mimic a live agent.
func NewReaderSource(ctx context.Context, r io.Reader, delay time.Duration) *ReaderSource {
	s := &ReaderSource{ctx: ctx, scanner: events.NewLineScanner(r), delay: delay}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Next advances to the next line.
func (s *ReaderSource) Next() bool {
	if s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.delay > 0 && s.started {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.err = s.ctx.Err()
			return false
		case <-t.C:
		}
	}
	s.started = true
	if s.scanner.Scan() {
		return true
	}
	s.err = s.scanner.Err()
	return false
}

// Line returns the current line.
func (s *ReaderSource) Line() []byte { return s.scanner.Bytes() }

// Err returns the read error, if any.
func (s *ReaderSource) Err() error { return s.err }

// Close releases the underlying reader.
func (s *ReaderSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
