package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatPrompt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "single user message is sent as-is",
			body: `{"messages":[{"role":"user","content":"fix the bug"}]}`,
			want: "fix the bug",
		},
		{
			name: "roles are tagged",
			body: `{"messages":[{"role":"system","content":"be terse"},{"role":"user","content":[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"x"}}]}]}`,
			want: "[system]\nbe terse\n\n[user]\nhi\n[image]",
		},
		{
			name: "tool calls and results",
			body: `{"messages":[{"role":"user","content":"ls"},{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"shell","arguments":"{\"command\":\"ls\"}"}}]},{"role":"tool","tool_call_id":"c1","content":"a.go"}]}`,
			want: "[user]\nls\n\n[assistant]\ntool call shell {\"command\":\"ls\"}\n\n[tool result c1]\na.go",
		},
		{
			name: "empty turns are dropped",
			body: `{"messages":[{"role":"system","content":""},{"role":"user","content":"only"}]}`,
			want: "only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chatPrompt([]byte(tt.body)))
		})
	}
}

func TestResponsesPrompt(t *testing.T) {
	assert.Equal(t, "hello", responsesPrompt([]byte(`{"input":"hello"}`)))
	assert.Equal(t,
		"[system]\nrules\n\n[user]\nrun it\n\n[assistant]\ntool call shell {}\n\n[tool result c1]\nok",
		responsesPrompt([]byte(`{"instructions":"rules","input":[
			{"role":"user","content":"run it"},
			{"type":"function_call","call_id":"c1","name":"shell","arguments":"{}"},
			{"type":"function_call_output","call_id":"c1","output":"ok"}
		]}`)))
	assert.Empty(t, responsesPrompt([]byte(`{"model":"codex"}`)))
}

func TestAddInputItemTypes(t *testing.T) {
	out := addInputItemTypes([]byte(`{"input":[{"role":"user","content":"x"},{"type":"function_call_output","call_id":"c","output":"y"}]}`))
	assert.JSONEq(t, `{"input":[{"type":"message","role":"user","content":"x"},{"type":"function_call_output","call_id":"c","output":"y"}]}`, string(out))

	raw := []byte(`{"input":"plain"}`)
	assert.Equal(t, raw, addInputItemTypes(raw))
}
