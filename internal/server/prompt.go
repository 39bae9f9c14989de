package server

import (
	"strings"

	"github.com/tidwall/gjson"
)

// promptTurn is one role-tagged block of the flattened conversation.
type promptTurn struct {
	role string
	text string
}

// flattenTurns renders turns as a single prompt. A lone user turn is sent
// as-is; otherwise each turn is prefixed with its role.
func flattenTurns(turns []promptTurn) string {
	var kept []promptTurn
	for _, t := range turns {
		if strings.TrimSpace(t.text) != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) == 1 && kept[0].role == "user" {
		return kept[0].text
	}

	var sb strings.Builder
	for i, t := range kept {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[")
		sb.WriteString(t.role)
		sb.WriteString("]\n")
		sb.WriteString(t.text)
	}
	return sb.String()
}

// chatPrompt flattens the messages of a Chat Completions body.
func chatPrompt(body []byte) string {
	var turns []promptTurn
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		var parts []string
		if text := contentText(msg.Get("content")); text != "" {
			parts = append(parts, text)
		}
		msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			parts = append(parts, "tool call "+call.Get("function.name").String()+" "+call.Get("function.arguments").String())
			return true
		})
		if fc := msg.Get("function_call"); fc.Exists() {
			parts = append(parts, "tool call "+fc.Get("name").String()+" "+fc.Get("arguments").String())
		}
		if role == "tool" || role == "function" {
			if id := msg.Get("tool_call_id").String(); id != "" {
				role = "tool result " + id
			}
		}
		turns = append(turns, promptTurn{role: role, text: strings.Join(parts, "\n")})
		return true
	})
	return flattenTurns(turns)
}

// responsesPrompt flattens instructions and input of a Responses body.
func responsesPrompt(body []byte) string {
	var turns []promptTurn
	if inst := gjson.GetBytes(body, "instructions").String(); inst != "" {
		turns = append(turns, promptTurn{role: "system", text: inst})
	}

	input := gjson.GetBytes(body, "input")
	if input.Type == gjson.String {
		turns = append(turns, promptTurn{role: "user", text: input.String()})
		return flattenTurns(turns)
	}

	input.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			turns = append(turns, promptTurn{
				role: "assistant",
				text: "tool call " + item.Get("name").String() + " " + item.Get("arguments").String(),
			})
		case "function_call_output":
			turns = append(turns, promptTurn{
				role: "tool result " + item.Get("call_id").String(),
				text: contentText(item.Get("output")),
			})
		case "", "message":
			turns = append(turns, promptTurn{role: item.Get("role").String(), text: contentText(item.Get("content"))})
		}
		return true
	})
	return flattenTurns(turns)
}

// contentText reads a string content or the text parts of a content array.
func contentText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text", "input_text", "output_text":
			parts = append(parts, part.Get("text").String())
		case "image_url", "input_image":
			parts = append(parts, "[image]")
		case "input_file", "file":
			parts = append(parts, "[file]")
		}
		return true
	})
	return strings.Join(parts, "\n")
}
