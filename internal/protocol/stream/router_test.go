package stream

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/codex-relay/agentboot/events"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolblock"
)

type sliceSource struct {
	lines []string
	pos   int
	err   error
}

func (s *sliceSource) Next() bool {
	if s.pos >= len(s.lines) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceSource) Line() []byte { return []byte(s.lines[s.pos-1]) }
func (s *sliceSource) Err() error   { return s.err }

func runLines(t *testing.T, opts Options, lines ...string) (*frameRecorder, []openai.ChatCompletionChunk) {
	t.Helper()
	rec := &frameRecorder{}
	if opts.Once == nil {
		opts.Once = obs.NewOnceRegistry()
	}
	r := NewRouter(NewChatSink(rec), opts)
	require.NoError(t, r.Run(context.Background(), &sliceSource{lines: lines}))
	return rec, rec.chunks(t)
}

func contentOf(chunks []openai.ChatCompletionChunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			sb.WriteString(ch.Delta.Content)
		}
	}
	return sb.String()
}

func finishReasons(chunks []openai.ChatCompletionChunk) []string {
	var out []string
	for _, c := range chunks {
		for _, ch := range c.Choices {
			if ch.FinishReason != "" {
				out = append(out, string(ch.FinishReason))
			}
		}
	}
	return out
}

func TestRouter_TextStream(t *testing.T) {
	rec, chunks := runLines(t, Options{Model: "gpt-test"},
		`{"type":"message_delta","payload":{"delta":"Hel"}}`,
		`{"id":"1","msg":{"type":"agent_message_delta","delta":"lo"}}`,
		`{"type":"task_complete","payload":{}}`,
	)

	assert.Equal(t, "Hello", contentOf(chunks))
	assert.Equal(t, []string{"stop"}, finishReasons(chunks))
	assert.Equal(t, "assistant", string(chunks[0].Choices[0].Delta.Role))
	assert.Equal(t, "gpt-test", chunks[0].Model)
	assert.True(t, strings.HasPrefix(chunks[0].ID, "chatcmpl-"))
	assert.Equal(t, 1, rec.doneCount())
	assert.Equal(t, "[DONE]", rec.frames[len(rec.frames)-1].data)
}

func TestRouter_StructuredToolCallsRaw(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"shell","arguments":"{\"comm"}}]}}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}}`,
		`{"type":"task_complete","payload":{}}`,
	)

	var args strings.Builder
	var id, name string
	for _, c := range chunks {
		for _, ch := range c.Choices {
			for _, tc := range ch.Delta.ToolCalls {
				if tc.ID != "" {
					id = tc.ID
				}
				if tc.Function.Name != "" {
					name = tc.Function.Name
				}
				args.WriteString(tc.Function.Arguments)
			}
		}
	}
	assert.Equal(t, "call_1", id)
	assert.Equal(t, "shell", name)
	assert.JSONEq(t, `{"command":"ls"}`, args.String())
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
}

func TestRouter_SynthesizedRendersStructuredCalls(t *testing.T) {
	_, chunks := runLines(t, Options{OutputMode: ModeSynthesized},
		`{"type":"message_delta","payload":{"delta":"Running "}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"shell","arguments":"{\"command\":\"ls\"}"}}]}}}`,
		`{"type":"task_complete","payload":{}}`,
	)

	assert.Equal(t, "Running <use_tool>\n  <name>shell</name>\n  <command>ls</command>\n</use_tool>", contentOf(chunks))
	for _, c := range chunks {
		for _, ch := range c.Choices {
			assert.Empty(t, ch.Delta.ToolCalls)
		}
	}
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
}

func TestRouter_TextualBlockSetsToolCalls(t *testing.T) {
	_, chunks := runLines(t, Options{OutputMode: ModeSynthesized},
		`{"type":"message_delta","payload":{"delta":"<use_"}}`,
		`{"type":"message_delta","payload":{"delta":"tool><name>s</name></use_tool>"}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, "<use_tool>\n  <name>s</name>\n</use_tool>", contentOf(chunks))
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
}

func TestRouter_MessageFinalDeduplicates(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":"Hello there"}}`,
		`{"type":"message_final","payload":{"message":"Hello there, friend"}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, "Hello there, friend", contentOf(chunks))
}

func TestRouter_MessageFinalToolCallsEmitIfMissing(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_final","payload":{"message":{"content":"","tool_calls":[{"id":"call_9","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a\"}"}}]}}}`,
		`{"type":"task_complete","payload":{}}`,
	)

	var calls int
	for _, c := range chunks {
		for _, ch := range c.Choices {
			for _, tc := range ch.Delta.ToolCalls {
				calls++
				assert.Equal(t, "call_9", tc.ID)
				assert.JSONEq(t, `{"path":"a"}`, tc.Function.Arguments)
			}
		}
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
}

func TestRouter_UsageEmittedOnce(t *testing.T) {
	rec, chunks := runLines(t, Options{IncludeUsage: true, PromptTokens: 11},
		`{"type":"message_delta","payload":{"delta":"abc"}}`,
		`{"type":"token_count","payload":{"info":{"total_token_usage":{"input_tokens":20,"output_tokens":3}}}}`,
		`{"type":"token_count","payload":{"info":{"total_token_usage":{"input_tokens":20,"output_tokens":2}}}}`,
		`{"type":"task_complete","payload":{}}`,
	)

	var usage []openai.ChatCompletionChunk
	for _, c := range chunks {
		if c.Usage.TotalTokens > 0 {
			usage = append(usage, c)
		}
	}
	require.Len(t, usage, 1)
	assert.EqualValues(t, 20, usage[0].Usage.PromptTokens)
	assert.EqualValues(t, 3, usage[0].Usage.CompletionTokens)
	assert.EqualValues(t, 23, usage[0].Usage.TotalTokens)
	assert.Equal(t, 1, rec.doneCount())
}

func TestRouter_ProviderUsageOverrides(t *testing.T) {
	_, chunks := runLines(t, Options{IncludeUsage: true},
		`{"type":"token_count","payload":{"input_tokens":50,"output_tokens":9}}`,
		`{"type":"usage","payload":{"usage":{"prompt_tokens":40,"completion_tokens":5}}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	last := chunks[len(chunks)-1]
	assert.EqualValues(t, 40, last.Usage.PromptTokens)
	assert.EqualValues(t, 5, last.Usage.CompletionTokens)
}

func TestRouter_NoUsageChunkByDefault(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":"x"}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	for _, c := range chunks {
		assert.Zero(t, c.Usage.TotalTokens)
	}
}

func TestRouter_LengthFromTokenCountFlag(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":"partial"}}`,
		`{"type":"token_count","payload":{"info":{"max_tokens_reached":true}}}`,
		`{"type":"task_complete","payload":{"finish_reason":"stop"}}`,
	)
	assert.Equal(t, []string{"length"}, finishReasons(chunks))
}

func TestRouter_LengthFromMaxTokens(t *testing.T) {
	_, chunks := runLines(t, Options{MaxTokens: 4},
		`{"type":"message_delta","payload":{"delta":"word"}}`,
		`{"type":"token_count","payload":{"output_tokens":4}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, []string{"length"}, finishReasons(chunks))
}

func TestRouter_LengthSurvivesToolCalls(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"x","arguments":"{}"}}]}}}`,
		`{"type":"message_final","payload":{"message":{"finish_reason":"length"}}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, []string{"length"}, finishReasons(chunks))
}

func TestRouter_FallbackReasonAtEOF(t *testing.T) {
	rec, chunks := runLines(t, Options{FallbackReason: "length"},
		`{"type":"message_delta","payload":{"delta":"cut"}}`,
	)
	assert.Equal(t, "cut", contentOf(chunks))
	assert.Equal(t, []string{"length"}, finishReasons(chunks))
	assert.Equal(t, 1, rec.doneCount())
}

func TestRouter_UnknownFinishReasonFallsBack(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":"x"}}`,
		`{"type":"task_complete","payload":{"finish_reason":"weird_value"}}`,
	)
	assert.Equal(t, []string{"stop"}, finishReasons(chunks))
}

func TestRouter_MalformedLinesSkipped(t *testing.T) {
	_, chunks := runLines(t, Options{},
		``,
		`not json`,
		`{"type":"message_delta","payload":{"delta":"ok"}}`,
		`{"payload":{}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, "ok", contentOf(chunks))
}

func TestRouter_LastAgentMessageWhenNothingSent(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"id":"1","msg":{"type":"task_complete","last_agent_message":"final answer"}}`,
	)
	assert.Equal(t, "final answer", contentOf(chunks))
}

func TestRouter_LastAgentMessageIgnoredAfterText(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":"streamed"}}`,
		`{"id":"1","msg":{"type":"task_complete","last_agent_message":"different"}}`,
	)
	assert.Equal(t, "streamed", contentOf(chunks))
}

func TestRouter_MetadataAndPassthrough(t *testing.T) {
	var other []string
	_, chunks := runLines(t, Options{Passthrough: func(env events.Envelope) { other = append(other, env.Type) }},
		`{"id":"0","msg":{"type":"session_configured","model":"codex-mini"}}`,
		`{"id":"1","msg":{"type":"exec_command_begin","command":["ls"]}}`,
		`{"type":"message_delta","payload":{"delta":"x"}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, []string{"exec_command_begin"}, other)
	assert.Equal(t, "codex-mini", chunks[0].Model)
}

func TestRouter_ChoicesChunkShape(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"choices":[{"index":0,"delta":{"content":"a"}},{"index":1,"delta":{"content":"b"}}]}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	byChoice := map[int64]string{}
	for _, c := range chunks {
		for _, ch := range c.Choices {
			byChoice[ch.Index] += ch.Delta.Content
		}
	}
	assert.Equal(t, "a", byChoice[0])
	assert.Equal(t, "b", byChoice[1])
	assert.Equal(t, []string{"stop", "stop"}, finishReasons(chunks))
}

func TestRouter_CancelStopsOutput(t *testing.T) {
	rec := &frameRecorder{}
	r := NewRouter(NewChatSink(rec), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	src := &sliceSource{lines: []string{
		`{"type":"message_delta","payload":{"delta":"first"}}`,
		`{"type":"message_delta","payload":{"delta":"second"}}`,
	}}
	cont, err := r.Step(ctx, src)
	require.NoError(t, err)
	require.True(t, cont)
	cancel()

	err = r.Run(ctx, src)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, "first", contentOf(rec.chunks(t)))
	assert.Equal(t, 1, rec.doneCount())

	done, err := r.Handle(events.Envelope{Kind: events.KindMessageDelta})
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestRouter_SourceErrorFails(t *testing.T) {
	rec := &frameRecorder{}
	r := NewRouter(NewChatSink(rec), Options{})
	src := &sliceSource{lines: []string{`{"type":"message_delta","payload":{"delta":"x"}}`}, err: errors.New("backend exited 1")}

	err := r.Run(context.Background(), src)
	require.Error(t, err)
	last := rec.frames[len(rec.frames)-2]
	assert.Contains(t, last.data, "backend exited 1")
	assert.Equal(t, 1, rec.doneCount())
}

func TestRouter_SinkErrorStops(t *testing.T) {
	rec := &frameRecorder{err: ErrCanceled}
	r := NewRouter(NewChatSink(rec), Options{})
	done, err := r.HandleLine([]byte(`{"type":"message_delta","payload":{"delta":"x"}}`))
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrCanceled)
}

func toolArguments(chunks []openai.ChatCompletionChunk) string {
	var args strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			for _, tc := range ch.Delta.ToolCalls {
				args.WriteString(tc.Function.Arguments)
			}
		}
	}
	return args.String()
}

func TestRouter_RepeatedToolArgumentFragments(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\":"}}]}}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1"}}]}}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1"}}]}}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, `{"a":11}`, toolArguments(chunks))
}

func TestRouter_ReplayedSequenceIgnored(t *testing.T) {
	line := `{"type":"message_delta","payload":{"seq":3,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{}"}}]}}}`
	_, chunks := runLines(t, Options{}, line, line, `{"type":"task_complete","payload":{}}`)
	assert.Equal(t, `{}`, toolArguments(chunks))
}

func TestRouter_FinishReasonPerChoice(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"choices":[{"index":0,"delta":{"content":"a"},"finish_reason":"stop"},{"index":1,"delta":{"content":"b"},"finish_reason":"length"}]}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, []string{"stop", "length"}, finishReasons(chunks))
}

func TestRouter_RequestReasonAppliesToEveryChoice(t *testing.T) {
	_, chunks := runLines(t, Options{},
		`{"type":"token_count","payload":{"info":{"max_tokens_reached":true}}}`,
		`{"type":"message_delta","payload":{"choices":[{"index":0,"delta":{"content":"a"}},{"index":1,"delta":{"content":"b"}}]}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, []string{"length", "length"}, finishReasons(chunks))
}

func TestRouter_OutOfRangeIndicesAreBounded(t *testing.T) {
	rec, chunks := runLines(t, Options{},
		`{"type":"message_delta","payload":{"index":200000,"delta":"x"}}`,
		`{"type":"message_delta","payload":{"delta":{"tool_calls":[{"index":1099511627776,"id":"c","function":{"name":"f","arguments":"{}"}}]}}}`,
		`{"type":"task_complete","payload":{}}`,
	)
	assert.Equal(t, "x", contentOf(chunks))
	assert.Equal(t, `{}`, toolArguments(chunks))
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
	assert.Less(t, len(rec.frames), 10)
	for _, c := range chunks {
		for _, ch := range c.Choices {
			assert.Zero(t, ch.Index)
			for _, tc := range ch.Delta.ToolCalls {
				assert.Zero(t, tc.Index)
			}
		}
	}
}

func TestRouter_ToolCallBlocksOptIn(t *testing.T) {
	text := `{"type":"message_delta","payload":{"delta":"<tool_call>{\"name\":\"f\",\"arguments\":{}}</tool_call>"}}`
	end := `{"type":"task_complete","payload":{}}`

	_, chunks := runLines(t, Options{OutputMode: ModeSynthesized}, text, end)
	assert.Equal(t, `<tool_call>{"name":"f","arguments":{}}</tool_call>`, contentOf(chunks))
	assert.Equal(t, []string{"stop"}, finishReasons(chunks))

	scanner := toolblock.NewScanner(nil, append(toolblock.DefaultMatchers(), toolblock.ToolCallMatcher{})...)
	_, chunks = runLines(t, Options{OutputMode: ModeSynthesized, Scanner: scanner}, text, end)
	assert.Equal(t, []string{"tool_calls"}, finishReasons(chunks))
}
