package token

import (
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsage_MonotonicThenAuthoritative(t *testing.T) {
	u := NewUsageAccumulator(0)
	u.UpdateCounts("token_count", Counts{Prompt: 5, Completion: 3}, UpdateOptions{})
	u.UpdateCounts("token_count", Counts{Prompt: 4, Completion: 6}, UpdateOptions{})

	r := u.ResolveCounts()
	assert.Equal(t, 5, r.Prompt)
	assert.Equal(t, 6, r.Completion)
	assert.Equal(t, 11, r.Total)
	assert.Equal(t, ProvenanceEvent, r.Provenance)

	u.UpdateCounts("provider", Counts{Prompt: 7, Completion: 2}, UpdateOptions{ProviderAuthoritative: true})
	r = u.ResolveCounts()
	assert.Equal(t, 7, r.Prompt)
	assert.Equal(t, 2, r.Completion)
	assert.Equal(t, ProvenanceProvider, r.Provenance)
}

func TestUsage_EstimateUntilReported(t *testing.T) {
	u := NewUsageAccumulator(12)
	u.AddVisibleText("hello")
	u.AddVisibleText("日本")

	r := u.ResolveCounts()
	assert.Equal(t, 12, r.Prompt)
	assert.Equal(t, 2, r.Completion)
	assert.Equal(t, 2, r.EstimatedCompletion)
	assert.Equal(t, ProvenanceEstimate, r.Provenance)

	u.UpdateCounts("token_count", Counts{Completion: 40}, UpdateOptions{})
	r = u.ResolveCounts()
	assert.Equal(t, 12, r.Prompt)
	assert.Equal(t, 40, r.Completion)
	assert.Equal(t, 2, r.EstimatedCompletion)
}

func TestUsage_EmptyUpdateIgnored(t *testing.T) {
	u := NewUsageAccumulator(3)
	u.UpdateCounts("token_count", Counts{}, UpdateOptions{ProviderAuthoritative: true})
	assert.Equal(t, ProvenanceEstimate, u.ResolveCounts().Provenance)
}

func TestUsage_OnceFlags(t *testing.T) {
	u := NewUsageAccumulator(0)
	emits, logs := 0, 0
	for _, trigger := range []string{"", "task_complete", "eof", "task_complete"} {
		if u.EmitOnce(trigger) {
			emits++
		}
		if u.LogOnce(trigger) {
			logs++
		}
	}
	assert.Equal(t, 1, emits)
	assert.Equal(t, 1, logs)
	assert.Equal(t, "task_complete", u.Trigger())
}

func TestUsage_Timing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	u := NewUsageAccumulator(0)
	u.now = func() time.Time { return clock }
	u.started = base

	clock = base.Add(150 * time.Millisecond)
	u.AddVisibleText("x")
	clock = base.Add(time.Second)
	require.True(t, u.LogOnce("task_complete"))

	clock = base.Add(5 * time.Second)
	first, total := u.Timing()
	assert.Equal(t, 150*time.Millisecond, first)
	assert.Equal(t, time.Second, total)
}

func TestEstimateFromText(t *testing.T) {
	assert.Equal(t, 0, EstimateFromText(""))
	assert.Equal(t, 1, EstimateFromText("abc"))
	assert.Equal(t, 1, EstimateFromText("abcd"))
	assert.Equal(t, 2, EstimateFromText("abcde"))
}

func TestEstimateInputTokens(t *testing.T) {
	req := &openai.ChatCompletionNewParams{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are terse."),
			openai.UserMessage("Say hello to the world."),
		},
	}
	n, err := EstimateInputTokens(req)
	require.NoError(t, err)
	assert.Greater(t, n, 3)

	_, err = EstimateInputTokens(nil)
	assert.Error(t, err)
}

func TestCountText(t *testing.T) {
	assert.Equal(t, 0, CountText(""))
	assert.Greater(t, CountText("hello world"), 0)
}
