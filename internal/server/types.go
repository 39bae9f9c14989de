package server

import (
	"encoding/json"
	"strconv"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChatCompletionRequest wraps the SDK params with the stream flag, which the
// SDK leaves to its NewStreaming method.
type ChatCompletionRequest struct {
	openai.ChatCompletionNewParams
	Stream bool `json:"stream"`
}

func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	var inner openai.ChatCompletionNewParams
	aux := &struct {
		Stream bool `json:"stream"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	r.Stream = aux.Stream
	r.ChatCompletionNewParams = inner
	return nil
}

// TokenLimit returns max_completion_tokens, falling back to max_tokens.
func (r *ChatCompletionRequest) TokenLimit() int {
	if r.MaxCompletionTokens.Valid() {
		return int(r.MaxCompletionTokens.Value)
	}
	return int(r.MaxTokens.Value)
}

// ResponseCreateRequest wraps ResponseNewParams with the stream flag.
type ResponseCreateRequest struct {
	Stream bool `json:"stream"`
	responses.ResponseNewParams
}

func (r *ResponseCreateRequest) UnmarshalJSON(data []byte) error {
	aux := &struct {
		Stream bool `json:"stream"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var inner responses.ResponseNewParams
	if err := json.Unmarshal(addInputItemTypes(data), &inner); err != nil {
		return err
	}
	r.Stream = aux.Stream
	r.ResponseNewParams = inner
	return nil
}

// addInputItemTypes sets "type":"message" on input items that only carry a
// role; the SDK union decoder needs the discriminator.
func addInputItemTypes(data []byte) []byte {
	input := gjson.GetBytes(data, "input")
	if !input.IsArray() {
		return data
	}
	out := data
	for i, item := range input.Array() {
		if item.Get("type").Exists() || !item.Get("role").Exists() {
			continue
		}
		if patched, err := sjson.SetBytes(out, "input."+strconv.Itoa(i)+".type", "message"); err == nil {
			out = patched
		}
	}
	return out
}
