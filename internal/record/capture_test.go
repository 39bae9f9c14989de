package record

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/codex-relay/agentboot"
	mock "github.com/tingly-dev/codex-relay/agentboot/mockagent"
)

func drain(t *testing.T, src agentboot.LineSource) []string {
	t.Helper()
	var lines []string
	for src.Next() {
		lines = append(lines, string(src.Line()))
	}
	require.NoError(t, src.Err())
	require.NoError(t, src.Close())
	return lines
}

func captures(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	return matches
}

func TestRecorder_CapturesEventsForReplay(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, CaptureEvents)
	require.NoError(t, err)
	require.True(t, rec.IsEnabled())

	agent := mock.NewAgent(mock.Config{})
	src, err := agent.Start(context.Background(), agentboot.Request{Prompt: "capture me"})
	require.NoError(t, err)
	seen := drain(t, rec.Wrap(src, Meta{RequestID: "req/1"}))

	files := captures(t, dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], "req_1.jsonl"))

	replay := &agentboot.ReplayBackend{Path: files[0]}
	back, err := replay.Start(context.Background(), agentboot.Request{})
	require.NoError(t, err)
	assert.Equal(t, seen, drain(t, back))
}

func TestRecorder_AllModeWritesHeader(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, CaptureAll)
	require.NoError(t, err)

	agent := mock.NewAgent(mock.Config{})
	src, err := agent.Start(context.Background(), agentboot.Request{Prompt: "hi"})
	require.NoError(t, err)
	drain(t, rec.Wrap(src, Meta{RequestID: "r2", Protocol: "chat", Model: "codex", Prompt: "hi"}))

	files := captures(t, dir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, captureRequestType, gjson.Get(first, "type").String())
	assert.Equal(t, "codex", gjson.Get(first, "payload.model").String())
	assert.Equal(t, "hi", gjson.Get(first, "payload.prompt").String())
}

func TestRecorder_Disabled(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), CaptureOff)
	require.NoError(t, err)
	assert.False(t, rec.IsEnabled())

	var nilRec *Recorder
	assert.False(t, nilRec.IsEnabled())

	src := agentboot.NewReaderSource(context.Background(), strings.NewReader("a\n"), 0)
	assert.Same(t, src, rec.Wrap(src, Meta{}))
}

func TestParseCaptureMode(t *testing.T) {
	m, err := ParseCaptureMode("EVENTS")
	require.NoError(t, err)
	assert.Equal(t, CaptureEvents, m)
	_, err = ParseCaptureMode("slim")
	assert.Error(t, err)
}
