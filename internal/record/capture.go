package record

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/codex-relay/agentboot"
)

// CaptureMode defines what is written for each backend turn.
type CaptureMode string

const (
	CaptureOff CaptureMode = ""
	// CaptureEvents writes the raw backend lines only.
	CaptureEvents CaptureMode = "events"
	// CaptureAll also writes a leading capture_request line describing the turn.
	CaptureAll CaptureMode = "all"
)

// captureRequestType is ignored by the router, so captures replay unchanged.
const captureRequestType = "capture_request"

// ParseCaptureMode validates a configured mode.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch m := CaptureMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CaptureOff, CaptureEvents, CaptureAll:
		return m, nil
	}
	return "", fmt.Errorf("unknown capture mode %q", s)
}

// Meta describes one captured turn.
type Meta struct {
	RequestID string
	Protocol  string
	Model     string
	Prompt    string
}

// Recorder writes each backend turn to its own NDJSON file, in a format the
// replay backend reads back.
type Recorder struct {
	mode    CaptureMode
	baseDir string
}

// NewRecorder creates a recorder. An off mode returns a disabled recorder.
func NewRecorder(baseDir string, mode CaptureMode) (*Recorder, error) {
	if mode == CaptureOff {
		return &Recorder{}, nil
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory %s: %w", baseDir, err)
	}
	return &Recorder{mode: mode, baseDir: baseDir}, nil
}

// IsEnabled returns whether recording is enabled
func (r *Recorder) IsEnabled() bool {
	return r != nil && r.mode != CaptureOff
}

// Wrap returns src teeing every line into a new capture file. On any file
// error src is returned unchanged.
func (r *Recorder) Wrap(src agentboot.LineSource, meta Meta) agentboot.LineSource {
	if !r.IsEnabled() {
		return src
	}

	name := fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102-150405"), sanitize(meta.RequestID))
	path := filepath.Join(r.baseDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logrus.WithError(err).Errorf("[record] failed to open capture file %s", path)
		return src
	}

	t := &teeSource{LineSource: src, file: file, w: bufio.NewWriter(file), path: path}
	if r.mode == CaptureAll {
		header := `{"type":"` + captureRequestType + `","payload":{}}`
		header, _ = sjson.Set(header, "payload.request_id", meta.RequestID)
		header, _ = sjson.Set(header, "payload.protocol", meta.Protocol)
		header, _ = sjson.Set(header, "payload.model", meta.Model)
		header, _ = sjson.Set(header, "payload.prompt", meta.Prompt)
		header, _ = sjson.Set(header, "payload.timestamp", time.Now().UTC().Format(time.RFC3339))
		t.write([]byte(header))
	}
	return t
}

func sanitize(id string) string {
	if id == "" {
		return "turn"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == '.' {
			return '_'
		}
		return r
	}, id)
}

// teeSource copies lines to a capture file as they are consumed.
type teeSource struct {
	agentboot.LineSource
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	path   string
	closed bool
}

func (t *teeSource) Next() bool {
	if !t.LineSource.Next() {
		return false
	}
	t.write(t.LineSource.Line())
	return true
}

func (t *teeSource) write(line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.w.Write(line)
	t.w.WriteByte('\n')
}

// Close closes the underlying source and finishes the capture file.
func (t *teeSource) Close() error {
	err := t.LineSource.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return err
	}
	t.closed = true
	if ferr := t.w.Flush(); ferr != nil {
		logrus.WithError(ferr).Errorf("[record] failed to flush capture %s", t.path)
	}
	if ferr := t.file.Close(); ferr != nil {
		logrus.WithError(ferr).Errorf("[record] failed to close capture %s", t.path)
	}
	logrus.WithField("file", t.path).Debug("[record] capture written")
	return err
}
