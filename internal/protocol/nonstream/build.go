package nonstream

import (
	"strings"

	"github.com/google/uuid"

	"github.com/tingly-dev/codex-relay/internal/protocol/finish"
)

// ChatCompletion builds a chat.completion object from the collected output.
func ChatCompletion(c *Collector) map[string]interface{} {
	info := c.Info()
	choices := make([]map[string]interface{}, 0)
	for _, ch := range c.Choices() {
		msg := map[string]interface{}{
			"role":    "assistant",
			"content": nil,
		}
		if ch.Text != "" || len(ch.ToolCalls) == 0 {
			msg["content"] = ch.Text
		}

		switch {
		case ch.FinishReason == finish.FunctionCall && len(ch.ToolCalls) == 1:
			msg["function_call"] = map[string]interface{}{
				"name":      ch.ToolCalls[0].Name,
				"arguments": ch.ToolCalls[0].Arguments,
			}
		case len(ch.ToolCalls) > 0:
			calls := make([]map[string]interface{}, 0, len(ch.ToolCalls))
			for _, call := range ch.ToolCalls {
				calls = append(calls, map[string]interface{}{
					"id":   call.ID,
					"type": call.Type,
					"function": map[string]interface{}{
						"name":      call.Name,
						"arguments": call.Arguments,
					},
				})
			}
			msg["tool_calls"] = calls
		}

		choices = append(choices, map[string]interface{}{
			"index":         ch.Index,
			"message":       msg,
			"finish_reason": ch.FinishReason,
			"logprobs":      nil,
		})
	}

	u := c.ResolvedUsage()
	return map[string]interface{}{
		"id":      info.ID,
		"object":  "chat.completion",
		"created": info.Created,
		"model":   info.Model,
		"choices": choices,
		"usage": map[string]interface{}{
			"prompt_tokens":     u.Prompt,
			"completion_tokens": u.Completion,
			"total_tokens":      u.Total,
		},
	}
}

// Response builds a Responses API object. Only choice 0 is represented.
func Response(c *Collector) map[string]interface{} {
	info := c.Info()
	ch := c.Choices()[0]

	output := make([]map[string]interface{}, 0, 1+len(ch.ToolCalls))
	if ch.Text != "" {
		output = append(output, map[string]interface{}{
			"id":     "msg_" + shortID(),
			"type":   "message",
			"status": "completed",
			"role":   "assistant",
			"content": []map[string]interface{}{{
				"type":        "output_text",
				"text":        ch.Text,
				"annotations": []interface{}{},
			}},
		})
	}
	for _, call := range ch.ToolCalls {
		output = append(output, map[string]interface{}{
			"id":        "fc_" + shortID(),
			"type":      "function_call",
			"status":    "completed",
			"call_id":   call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		})
	}

	u := c.ResolvedUsage()
	resp := map[string]interface{}{
		"id":         "resp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"object":     "response",
		"created_at": info.Created,
		"status":     "completed",
		"model":      info.Model,
		"output":     output,
		"usage": map[string]interface{}{
			"input_tokens":  u.Prompt,
			"output_tokens": u.Completion,
			"total_tokens":  u.Total,
		},
	}
	if ch.FinishReason == finish.Length {
		resp["status"] = "incomplete"
		resp["incomplete_details"] = map[string]interface{}{"reason": "max_output_tokens"}
	}
	return resp
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
