package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/codex-relay/agentboot"
)

// Agent implements agentboot.Backend with scripted output for tests and demos.
type Agent struct {
	mu       sync.RWMutex
	config   Config
	requests []agentboot.Request
}

var _ agentboot.Backend = (*Agent)(nil)

// NewAgent creates a new mock agent with the given configuration
func NewAgent(config Config) *Agent {
	return &Agent{config: config.Merge(DefaultConfig())}
}

// SetScript replaces the scripted lines.
func (a *Agent) SetScript(lines ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Script = append([]string(nil), lines...)
}

// Requests returns every request the agent received.
func (a *Agent) Requests() []agentboot.Request {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]agentboot.Request(nil), a.requests...)
}

// Start implements agentboot.Backend.
func (a *Agent) Start(ctx context.Context, req agentboot.Request) (agentboot.LineSource, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	cfg := a.config
	a.mu.Unlock()

	lines := cfg.Script
	if len(lines) == 0 {
		lines = TextTurn(req.Prompt, cfg.ChunkSize)
	}
	logrus.Debugf("[MockAgent] starting turn with %d lines", len(lines))

	src := &scriptSource{ctx: ctx, lines: lines, delay: cfg.StepDelay}
	if cfg.FailWith != "" {
		src.failWith = errors.New(cfg.FailWith)
	}
	return src, nil
}

type scriptSource struct {
	ctx      context.Context
	lines    []string
	pos      int
	delay    time.Duration
	failWith error
	err      error
	closed   bool
}

func (s *scriptSource) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos >= len(s.lines) {
		s.err = s.failWith
		return false
	}
	if s.delay > 0 && s.pos > 0 {
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-time.After(s.delay):
		}
	}
	s.pos++
	return true
}

func (s *scriptSource) Line() []byte { return []byte(s.lines[s.pos-1]) }
func (s *scriptSource) Err() error   { return s.err }

func (s *scriptSource) Close() error {
	s.closed = true
	return nil
}

// TextTurn scripts a codex-style turn that streams text in chunks of size runes.
func TextTurn(text string, size int) []string {
	if size <= 0 {
		size = DefaultConfig().ChunkSize
	}
	var lines []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		lines = append(lines, Event("agent_message_delta", "delta", string(runes[i:end])))
	}
	lines = append(lines, Event("agent_message", "message", text))
	lines = append(lines, Event("task_complete", "last_agent_message", text))
	return lines
}

// ToolTurn scripts a turn that makes one structured tool call.
func ToolTurn(callID, name, arguments string) []string {
	call := `{"index":0,"type":"function"}`
	call, _ = sjson.Set(call, "id", callID)
	call, _ = sjson.Set(call, "function.name", name)
	call, _ = sjson.Set(call, "function.arguments", arguments)

	delta, _ := sjson.SetRaw(`{"type":"message_delta","payload":{"delta":{"tool_calls":[]}}}`, "payload.delta.tool_calls.-1", call)
	return []string{delta, `{"type":"task_complete","payload":{}}`}
}

// Event builds a codex subprocess line {"id":"0","msg":{"type":T,key:value}}.
func Event(typ, key, value string) string {
	line := `{"id":"0","msg":{}}`
	line, _ = sjson.Set(line, "msg.type", typ)
	if key != "" {
		line, _ = sjson.Set(line, "msg."+key, value)
	}
	return line
}
