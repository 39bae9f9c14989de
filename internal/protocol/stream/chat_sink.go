package stream

import (
	"encoding/json"
	"sync"

	"github.com/tingly-dev/codex-relay/internal/protocol/token"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

const chatChunkObject = "chat.completion.chunk"

var doneFrame = []byte("[DONE]")

// ChatSink writes Chat Completions chunks.
type ChatSink struct {
	w        FrameWriter
	info     StartInfo
	roleSent map[int]bool
	doneOnce sync.Once
}

// NewChatSink creates a sink writing to w.
func NewChatSink(w FrameWriter) *ChatSink {
	return &ChatSink{w: w, roleSent: map[int]bool{}}
}

func (s *ChatSink) Start(info StartInfo) error {
	s.info = info
	return nil
}

func (s *ChatSink) Text(choice int, text string) error {
	if text == "" {
		return nil
	}
	delta := s.delta(choice)
	delta["content"] = text
	return s.writeChunk(choice, delta, nil)
}

func (s *ChatSink) ToolCalls(choice int, deltas []toolcall.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	calls := make([]map[string]interface{}, 0, len(deltas))
	for _, d := range deltas {
		fn := map[string]interface{}{"arguments": d.Arguments}
		if d.Name != "" {
			fn["name"] = d.Name
		}
		call := map[string]interface{}{
			"index":    d.Index,
			"function": fn,
		}
		if d.ID != "" {
			call["id"] = d.ID
		}
		if d.Type != "" {
			call["type"] = d.Type
		}
		calls = append(calls, call)
	}
	delta := s.delta(choice)
	delta["tool_calls"] = calls
	return s.writeChunk(choice, delta, nil)
}

func (s *ChatSink) Finish(choice int, reason string) error {
	return s.writeChunk(choice, s.delta(choice), &reason)
}

func (s *ChatSink) Usage(u token.Resolved) error {
	chunk := s.base()
	chunk["choices"] = []interface{}{}
	chunk["usage"] = map[string]interface{}{
		"prompt_tokens":     u.Prompt,
		"completion_tokens": u.Completion,
		"total_tokens":      u.Total,
	}
	return s.write(chunk)
}

func (s *ChatSink) Done() error {
	var err error
	s.doneOnce.Do(func() {
		err = s.w.WriteFrame("", doneFrame)
	})
	return err
}

func (s *ChatSink) Abort() error {
	return s.Done()
}

func (s *ChatSink) Fail(cause error) error {
	msg := "stream failed"
	if cause != nil {
		msg = cause.Error()
	}
	chunk := map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "stream_error",
			"code":    "stream_failed",
		},
	}
	if err := s.write(chunk); err != nil {
		return err
	}
	return s.Done()
}

// delta returns a fresh delta object; the first one per choice carries the role.
func (s *ChatSink) delta(choice int) map[string]interface{} {
	delta := map[string]interface{}{}
	if !s.roleSent[choice] {
		delta["role"] = "assistant"
		s.roleSent[choice] = true
	}
	return delta
}

func (s *ChatSink) base() map[string]interface{} {
	return map[string]interface{}{
		"id":      s.info.ID,
		"object":  chatChunkObject,
		"created": s.info.Created,
		"model":   s.info.Model,
	}
}

func (s *ChatSink) writeChunk(choice int, delta map[string]interface{}, finishReason *string) error {
	chunk := s.base()
	c := map[string]interface{}{
		"index":         choice,
		"delta":         delta,
		"finish_reason": nil,
	}
	if finishReason != nil {
		c["finish_reason"] = *finishReason
	}
	chunk["choices"] = []interface{}{c}
	return s.write(chunk)
}

func (s *ChatSink) write(chunk map[string]interface{}) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.w.WriteFrame("", data)
}
