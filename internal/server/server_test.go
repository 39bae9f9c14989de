package server

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/codex-relay/agentboot"
	mock "github.com/tingly-dev/codex-relay/agentboot/mockagent"
	"github.com/tingly-dev/codex-relay/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type sseFrame struct {
	event string
	data  string
}

func newTestServer(t *testing.T, agent *mock.Agent, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Type = agentboot.BackendTypeMock
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	s, err := NewServer(cfg, WithBackend(agent), WithVersion("test"))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.data != "" || cur.event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	_, ts := newTestServer(t, agent, nil)

	resp, body := post(t, ts, "/v1/chat/completions", `{"model":"codex","messages":[{"role":"user","content":"hello relay"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "codex", gjson.Get(body, "model").String())
	assert.Equal(t, "hello relay", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Greater(t, gjson.Get(body, "usage.prompt_tokens").Int(), int64(0))
	assert.Greater(t, gjson.Get(body, "usage.completion_tokens").Int(), int64(0))

	reqs := agent.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello relay", reqs[0].Prompt)
	assert.Equal(t, "codex", reqs[0].Model)
	assert.NotEmpty(t, reqs[0].SessionID)
}

func TestChatCompletions_StreamingText(t *testing.T) {
	agent := mock.NewAgent(mock.Config{ChunkSize: 3})
	_, ts := newTestServer(t, agent, nil)

	resp, body := post(t, ts, "/v1/chat/completions",
		`{"model":"codex","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"streaming works"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := parseSSE(t, body)
	require.NotEmpty(t, frames)
	assert.Equal(t, "[DONE]", frames[len(frames)-1].data)

	var text strings.Builder
	var finish string
	usageChunks := 0
	for i, f := range frames[:len(frames)-1] {
		require.True(t, gjson.Valid(f.data), f.data)
		if i == 0 {
			assert.Equal(t, "assistant", gjson.Get(f.data, "choices.0.delta.role").String())
		}
		text.WriteString(gjson.Get(f.data, "choices.0.delta.content").String())
		if r := gjson.Get(f.data, "choices.0.finish_reason").String(); r != "" {
			finish = r
		}
		if gjson.Get(f.data, "usage.total_tokens").Int() > 0 {
			usageChunks++
		}
	}
	assert.Equal(t, "streaming works", text.String())
	assert.Equal(t, "stop", finish)
	assert.Equal(t, 1, usageChunks)
}

func TestChatCompletions_StreamingToolCall(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	agent.SetScript(mock.ToolTurn("call_1", "shell", `{"command":"ls"}`)...)
	_, ts := newTestServer(t, agent, nil)

	_, body := post(t, ts, "/v1/chat/completions", `{"model":"codex","stream":true,"messages":[{"role":"user","content":"list"}]}`)
	frames := parseSSE(t, body)

	var name, args, finish string
	for _, f := range frames {
		if f.data == "[DONE]" {
			continue
		}
		call := gjson.Get(f.data, "choices.0.delta.tool_calls.0")
		if call.Exists() {
			if n := call.Get("function.name").String(); n != "" {
				name = n
			}
			args += call.Get("function.arguments").String()
		}
		if r := gjson.Get(f.data, "choices.0.finish_reason").String(); r != "" {
			finish = r
		}
	}
	assert.Equal(t, "shell", name)
	assert.JSONEq(t, `{"command":"ls"}`, args)
	assert.Equal(t, "tool_calls", finish)
}

func TestChatCompletions_SynthesizedByModelRule(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	agent.SetScript(mock.ToolTurn("call_1", "shell", `{"command":"ls"}`)...)
	_, ts := newTestServer(t, agent, func(cfg *config.Config) {
		cfg.ModelRules = []config.ModelRule{{Pattern: "synth-*", Mode: "synthesized"}}
	})

	_, body := post(t, ts, "/v1/chat/completions", `{"model":"synth-1","messages":[{"role":"user","content":"list"}]}`)
	content := gjson.Get(body, "choices.0.message.content").String()
	assert.Contains(t, content, "<use_tool>")
	assert.Contains(t, content, "<command>ls</command>")
	assert.Equal(t, "tool_calls", gjson.Get(body, "choices.0.finish_reason").String())
}

func TestChatCompletions_BackendFailure(t *testing.T) {
	agent := mock.NewAgent(mock.Config{FailWith: "agent crashed"})
	agent.SetScript(`{"type":"message_delta","payload":{"delta":"partial"}}`)
	_, ts := newTestServer(t, agent, nil)

	resp, body := post(t, ts, "/v1/chat/completions", `{"model":"codex","messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, gjson.Get(body, "error.message").String(), "agent crashed")

	_, body = post(t, ts, "/v1/chat/completions", `{"model":"codex","stream":true,"messages":[{"role":"user","content":"x"}]}`)
	frames := parseSSE(t, body)
	require.NotEmpty(t, frames)
	assert.Equal(t, "[DONE]", frames[len(frames)-1].data)
	var sawError bool
	for _, f := range frames {
		if gjson.Get(f.data, "error.message").Exists() {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestChatCompletions_Validation(t *testing.T) {
	_, ts := newTestServer(t, mock.NewAgent(mock.Config{}), nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"missing messages", `{"model":"codex","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts, "/v1/chat/completions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
		})
	}
}

func TestResponses_Streaming(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	_, ts := newTestServer(t, agent, nil)

	_, body := post(t, ts, "/v1/responses", `{"model":"codex","stream":true,"input":"say hi"}`)
	frames := parseSSE(t, body)
	require.NotEmpty(t, frames)

	var names []string
	var text strings.Builder
	var lastSeq int64 = -1
	for _, f := range frames {
		if f.data == "[DONE]" {
			continue
		}
		names = append(names, f.event)
		assert.Equal(t, f.event, gjson.Get(f.data, "type").String())
		seq := gjson.Get(f.data, "sequence_number").Int()
		assert.Greater(t, seq, lastSeq)
		lastSeq = seq
		if f.event == "response.output_text.delta" {
			text.WriteString(gjson.Get(f.data, "delta").String())
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "response.created", names[0])
	assert.Equal(t, "response.completed", names[len(names)-1])
	assert.Contains(t, names, "response.output_text.done")
	assert.Equal(t, "say hi", text.String())
	assert.Equal(t, "[DONE]", frames[len(frames)-1].data)
	assert.Equal(t, "say hi", agent.Requests()[0].Prompt)
}

func TestResponses_NonStreaming(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	_, ts := newTestServer(t, agent, nil)

	resp, body := post(t, ts, "/v1/responses",
		`{"model":"codex","instructions":"be brief","input":[{"role":"user","content":[{"type":"input_text","text":"hi"}]}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "response", gjson.Get(body, "object").String())
	assert.Equal(t, "completed", gjson.Get(body, "status").String())
	assert.Equal(t, "[system]\nbe brief\n\n[user]\nhi", gjson.Get(body, "output.0.content.0.text").String())
}

func TestResponses_Validation(t *testing.T) {
	_, ts := newTestServer(t, mock.NewAgent(mock.Config{}), nil)

	resp, _ := post(t, ts, "/v1/responses", `{"input":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post(t, ts, "/v1/responses", `{"model":"codex"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListModelsAndHealth(t *testing.T) {
	_, ts := newTestServer(t, mock.NewAgent(mock.Config{}), func(cfg *config.Config) {
		cfg.ModelRules = []config.ModelRule{{Pattern: "gpt-5-codex"}, {Pattern: "o*"}}
	})

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	ids := gjson.GetBytes(data, "data.#.id").Array()
	require.Len(t, ids, 2)
	assert.Equal(t, "codex", ids[0].String())
	assert.Equal(t, "gpt-5-codex", ids[1].String())

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", gjson.GetBytes(data, "status").String())
	assert.Equal(t, "mock", gjson.GetBytes(data, "backend").String())
	assert.Equal(t, "test", gjson.GetBytes(data, "version").String())
}

func TestApplyConfig_SwapsPolicyForNewRequests(t *testing.T) {
	agent := mock.NewAgent(mock.Config{})
	agent.SetScript(mock.ToolTurn("call_1", "shell", `{"command":"ls"}`)...)
	s, ts := newTestServer(t, agent, nil)

	_, body := post(t, ts, "/v1/chat/completions", `{"model":"codex","messages":[{"role":"user","content":"x"}]}`)
	assert.NotContains(t, gjson.Get(body, "choices.0.message.content").String(), "<use_tool>")

	next := config.Default()
	next.Backend.Type = agentboot.BackendTypeMock
	next.Output.Mode = "synthesized"
	require.NoError(t, next.Validate())
	require.NoError(t, s.applyConfig(next))
	assert.Same(t, next, s.Config())

	_, body = post(t, ts, "/v1/chat/completions", `{"model":"codex","messages":[{"role":"user","content":"x"}]}`)
	assert.Contains(t, gjson.Get(body, "choices.0.message.content").String(), "<use_tool>")
}

func TestNewServer_RejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "ssh"
	_, err := NewServer(cfg)
	assert.Error(t, err)
}

func TestChatCompletions_CapturesBackendTurn(t *testing.T) {
	dir := t.TempDir()
	_, ts := newTestServer(t, mock.NewAgent(mock.Config{}), func(cfg *config.Config) {
		cfg.Capture = config.CaptureConfig{Mode: "all", Dir: dir}
	})

	resp, _ := post(t, ts, "/v1/chat/completions", `{"model":"codex","messages":[{"role":"user","content":"keep this"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "capture_request", gjson.Get(lines[0], "type").String())
	assert.Equal(t, "keep this", gjson.Get(lines[0], "payload.prompt").String())
	assert.Greater(t, len(lines), 1)
}
