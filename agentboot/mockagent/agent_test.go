package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/codex-relay/agentboot"
	"github.com/tingly-dev/codex-relay/agentboot/events"
)

func drain(t *testing.T, src agentboot.LineSource) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for src.Next() {
		env, err := events.ParseLine(src.Line())
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestAgent_EchoesPrompt(t *testing.T) {
	a := NewAgent(Config{ChunkSize: 4})
	src, err := a.Start(context.Background(), agentboot.Request{Prompt: "hello world"})
	require.NoError(t, err)
	defer src.Close()

	envs := drain(t, src)
	require.NoError(t, src.Err())
	require.Len(t, envs, 5)
	assert.Equal(t, events.KindMessageDelta, envs[0].Kind)
	assert.Equal(t, "hell", envs[0].Payload.Get("delta").String())
	assert.Equal(t, events.KindMessageFinal, envs[3].Kind)
	assert.Equal(t, events.KindTaskComplete, envs[4].Kind)
	assert.Equal(t, "hello world", envs[4].Payload.Get("last_agent_message").String())

	require.Len(t, a.Requests(), 1)
	assert.Equal(t, "hello world", a.Requests()[0].Prompt)
}

func TestAgent_Script(t *testing.T) {
	a := NewAgent(Config{})
	a.SetScript(ToolTurn("call_1", "shell", `{"command":"ls"}`)...)

	src, err := a.Start(context.Background(), agentboot.Request{})
	require.NoError(t, err)
	envs := drain(t, src)
	require.Len(t, envs, 2)
	call := envs[0].Payload.Get("delta.tool_calls.0")
	assert.Equal(t, "call_1", call.Get("id").String())
	assert.Equal(t, `{"command":"ls"}`, call.Get("function.arguments").String())
}

func TestAgent_FailWith(t *testing.T) {
	a := NewAgent(Config{Script: []string{Event("agent_message_delta", "delta", "x")}, FailWith: "boom"})
	src, err := a.Start(context.Background(), agentboot.Request{})
	require.NoError(t, err)
	drain(t, src)
	assert.EqualError(t, src.Err(), "boom")
}

func TestAgent_Cancel(t *testing.T) {
	a := NewAgent(Config{StepDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	src, err := a.Start(ctx, agentboot.Request{Prompt: "a long prompt"})
	require.NoError(t, err)

	require.True(t, src.Next())
	cancel()
	assert.False(t, src.Next())
	assert.ErrorIs(t, src.Err(), context.Canceled)
}

func TestConfig_Merge(t *testing.T) {
	got := Config{StepDelay: time.Second}.Merge(DefaultConfig())
	assert.Equal(t, 8, got.ChunkSize)
	assert.Equal(t, time.Second, got.StepDelay)
}
