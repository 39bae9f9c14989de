package agentboot

import (
	"context"
	"fmt"
	"os"
	"time"
)

// ReplayBackend replays a captured NDJSON event log instead of running an
// agent. The prompt is ignored.
type ReplayBackend struct {
	Path  string
	Delay time.Duration
}

// Start opens the log.
func (b *ReplayBackend) Start(ctx context.Context, req Request) (LineSource, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, fmt.Errorf("open replay log: %w", err)
	}
	return NewReaderSource(ctx, f, b.Delay), nil
}
