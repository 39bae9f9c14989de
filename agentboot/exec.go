package agentboot

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/agentboot/events"
)

const (
	stderrTailSize = 4096
	waitDelay      = 2 * time.Second
)

// ExecBackend runs the agent as a child process per turn. The prompt goes to
// stdin and every stdout line is one event.
type ExecBackend struct {
	config ExecConfig
}

// NewExecBackend validates cfg and returns a backend.
func NewExecBackend(cfg ExecConfig) (*ExecBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ExecBackend{config: cfg}, nil
}

// IsAvailable reports whether the configured command can be found.
func (b *ExecBackend) IsAvailable() bool {
	_, err := exec.LookPath(b.config.Command)
	return err == nil
}

// Start launches the process. The returned source must be closed.
func (b *ExecBackend) Start(ctx context.Context, req Request) (LineSource, error) {
	var cancel context.CancelFunc
	if b.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, b.config.Command, b.buildArgs(req)...)
	cmd.Dir = b.config.WorkDir
	if len(b.config.Env) > 0 {
		env := os.Environ()
		for k, v := range b.config.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	// Grandchildren may hold stderr open after the agent is killed.
	cmd.WaitDelay = waitDelay

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", b.config.Command, err)
	}
	logrus.WithFields(logrus.Fields{
		"pid":        cmd.Process.Pid,
		"session_id": req.SessionID,
	}).Debugf("[backend] started %s", b.config.Command)

	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			logrus.WithError(err).Debug("[backend] failed to write prompt")
		}
	}()

	return &processSource{
		ctx:     ctx,
		cancel:  cancel,
		cmd:     cmd,
		scanner: events.NewLineScanner(stdout),
		stderr:  stderr,
	}, nil
}

// buildArgs places the model flag before a trailing "-" stdin marker.
func (b *ExecBackend) buildArgs(req Request) []string {
	args := append([]string(nil), b.config.Args...)
	if b.config.ModelFlag == "" || req.Model == "" {
		return args
	}
	flag := []string{b.config.ModelFlag, req.Model}
	if n := len(args); n > 0 && args[n-1] == "-" {
		return append(append(args[:n-1:n-1], flag...), "-")
	}
	return append(args, flag...)
}

type processSource struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	scanner *events.LineScanner
	stderr  *tailBuffer

	waitOnce sync.Once
	waitErr  error
	err      error
	done     bool
}

func (p *processSource) Next() bool {
	if p.done {
		return false
	}
	if p.scanner.Scan() {
		return true
	}
	p.done = true
	scanErr := p.scanner.Err()
	waitErr := p.wait()

	switch {
	case p.ctx.Err() != nil:
		p.err = p.ctx.Err()
	case scanErr != nil:
		p.err = fmt.Errorf("read backend output: %w", scanErr)
	case waitErr != nil:
		p.err = fmt.Errorf("backend exited: %w%s", waitErr, p.stderr.suffix())
	}
	return false
}

func (p *processSource) Line() []byte { return p.scanner.Bytes() }

func (p *processSource) Err() error { return p.err }

// Close kills the process if it is still running and reaps it.
func (p *processSource) Close() error {
	p.cancel()
	p.wait()
	return nil
}

func (p *processSource) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		logrus.WithField("pid", p.cmd.Process.Pid).Debug("[backend] process exited")
	})
	return p.waitErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) suffix() string {
	s := strings.TrimSpace(t.String())
	if s == "" {
		return ""
	}
	return ": " + s
}
