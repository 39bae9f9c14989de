package events

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	// ErrEmptyLine is returned for blank lines.
	ErrEmptyLine = errors.New("empty event line")
	// ErrMalformedLine is returned for lines that are not a recognizable JSON event.
	ErrMalformedLine = errors.New("malformed event line")
)

const (
	rpcMethodPrefix = "codex/event"

	// MaxLineSize bounds a single backend line.
	MaxLineSize = 1024 * 1024
)

// LineScanner reads newline-delimited lines like bufio.Scanner, but a line
// longer than the limit is skipped with a warning instead of ending the scan.
type LineScanner struct {
	r       *bufio.Reader
	max     int
	line    []byte
	err     error
	skipped int
}

// NewLineScanner returns a scanner sized for long NDJSON event lines.
func NewLineScanner(r io.Reader) *LineScanner {
	return NewLineScannerSize(r, MaxLineSize)
}

// NewLineScannerSize returns a scanner with a custom line limit.
func NewLineScannerSize(r io.Reader, max int) *LineScanner {
	return &LineScanner{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Scan advances to the next line that fits the limit.
func (s *LineScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for {
		line, tooLong, err := s.readLine()
		if tooLong {
			s.skipped++
			logrus.WithField("limit", s.max).Warn("[events] skipping oversized backend line")
		} else if len(line) > 0 || err == nil {
			s.line = line
			if err != nil && !errors.Is(err, io.EOF) {
				s.err = err
			}
			return true
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.line = nil
			return false
		}
	}
}

// readLine returns one line without its terminator. When the line exceeds
// the limit the rest of it is discarded and tooLong is set.
func (s *LineScanner) readLine() (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, rerr := s.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > s.max+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, rerr
		}
		buf = bytes.TrimSuffix(buf, []byte("\n"))
		buf = bytes.TrimSuffix(buf, []byte("\r"))
		return buf, false, rerr
	}
}

// Bytes returns the current line.
func (s *LineScanner) Bytes() []byte { return s.line }

// Err returns the first read error other than io.EOF.
func (s *LineScanner) Err() error { return s.err }

// Skipped returns how many oversized lines were dropped.
func (s *LineScanner) Skipped() int { return s.skipped }

// ParseLine parses one backend line. Three shapes are accepted:
//
//	{"type": "message_delta", "payload": {...}}
//	{"id": "1", "msg": {"type": "agent_message_delta", "delta": "..."}}
//	{"jsonrpc": "2.0", "method": "codex/event/token_count", "params": {"msg": {...}}}
func ParseLine(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Envelope{}, ErrEmptyLine
	}
	if !gjson.ValidBytes(line) {
		return Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformedLine)
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedLine)
	}

	env := Envelope{Raw: append([]byte(nil), line...)}
	switch {
	case root.Get("method").Exists():
		env = parseRPC(root, env)
	case root.Get("msg").IsObject():
		env.ID = root.Get("id").String()
		env.Payload = root.Get("msg")
		env.Type = env.Payload.Get("type").String()
	default:
		env.ID = root.Get("id").String()
		env.Type = root.Get("type").String()
		if p := root.Get("payload"); p.Exists() {
			env.Payload = p
		} else {
			env.Payload = root
		}
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing event type", ErrMalformedLine)
	}
	env.Kind = KindOf(env.Type)
	return env, nil
}

func parseRPC(root gjson.Result, env Envelope) Envelope {
	method := root.Get("method").String()
	params := root.Get("params")
	env.ID = root.Get("id").String()

	if !strings.HasPrefix(method, rpcMethodPrefix) {
		env.Type = method
		env.Payload = params
		return env
	}

	if msg := params.Get("msg"); msg.IsObject() {
		env.Payload = msg
	} else {
		env.Payload = params
	}
	if id := params.Get("id").String(); id != "" && env.ID == "" {
		env.ID = id
	}

	suffix := strings.TrimPrefix(strings.TrimPrefix(method, rpcMethodPrefix), "/")
	switch {
	case suffix != "":
		env.Type = suffix
	default:
		env.Type = env.Payload.Get("type").String()
	}
	return env
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.ReplaceAll(t, "-", "_")
}
