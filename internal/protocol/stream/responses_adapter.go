package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/protocol/finish"
	"github.com/tingly-dev/codex-relay/internal/protocol/token"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

type responseItem struct {
	id          string
	outputIndex int
	kind        string // "message" or "function_call"
	text        strings.Builder

	callIndex int
	callID    string
	name      string
	argsSent  string
	closed    bool
}

// ResponsesAdapter re-serializes the router timeline as Responses API events.
// Only choice 0 is represented; other choices are dropped.
type ResponsesAdapter struct {
	w    FrameWriter
	once *obs.OnceRegistry
	agg  *toolcall.Aggregator

	info    StartInfo
	respID  string
	seq     int
	items   []*responseItem
	message *responseItem
	calls   map[int]*responseItem
	reason  string
	usage   *token.Resolved

	started  bool
	finished bool
}

// NewResponsesAdapter creates an adapter writing to w.
func NewResponsesAdapter(w FrameWriter, once *obs.OnceRegistry) *ResponsesAdapter {
	return &ResponsesAdapter{
		w:      w,
		once:   once,
		agg:    toolcall.NewAggregator(toolcall.Options{PreferID: true}),
		respID: "resp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		calls:  map[int]*responseItem{},
	}
}

// ResponseID returns the id used in every event.
func (a *ResponsesAdapter) ResponseID() string { return a.respID }

func (a *ResponsesAdapter) Start(info StartInfo) (err error) {
	defer a.guard(&err)
	if a.started {
		return nil
	}
	a.started = true
	a.info = info
	if a.info.Created == 0 {
		a.info.Created = time.Now().Unix()
	}
	if err := a.emit("response.created", map[string]interface{}{"response": a.envelope("in_progress", nil)}); err != nil {
		return err
	}
	return a.emit("response.in_progress", map[string]interface{}{"response": a.envelope("in_progress", nil)})
}

func (a *ResponsesAdapter) Text(choice int, text string) (err error) {
	defer a.guard(&err)
	if text == "" || !a.accept(choice) {
		return nil
	}
	if a.message == nil {
		a.message = a.newItem("message", "msg_")
		if err := a.emit("response.output_item.added", map[string]interface{}{
			"output_index": a.message.outputIndex,
			"item":         a.messageItem(a.message, "in_progress"),
		}); err != nil {
			return err
		}
		if err := a.emit("response.content_part.added", map[string]interface{}{
			"item_id":       a.message.id,
			"output_index":  a.message.outputIndex,
			"content_index": 0,
			"part":          outputText(""),
		}); err != nil {
			return err
		}
	}
	a.message.text.WriteString(text)
	return a.emit("response.output_text.delta", map[string]interface{}{
		"item_id":       a.message.id,
		"output_index":  a.message.outputIndex,
		"content_index": 0,
		"delta":         text,
	})
}

func (a *ResponsesAdapter) ToolCalls(choice int, deltas []toolcall.Delta) (err error) {
	defer a.guard(&err)
	if len(deltas) == 0 || !a.accept(choice) {
		return nil
	}

	payload := `{"tool_calls":[]}`
	for i, d := range deltas {
		prefix := fmt.Sprintf("tool_calls.%d.", i)
		payload, _ = sjson.Set(payload, prefix+"index", d.Index)
		if d.ID != "" {
			payload, _ = sjson.Set(payload, prefix+"id", d.ID)
		}
		if d.Type != "" {
			payload, _ = sjson.Set(payload, prefix+"type", d.Type)
		}
		if d.Name != "" {
			payload, _ = sjson.Set(payload, prefix+"function.name", d.Name)
		}
		payload, _ = sjson.Set(payload, prefix+"function.arguments", d.Arguments)
	}
	// Router deltas are already deduplicated, so every one is applied.
	a.agg.IngestDeltaSeq(gjson.Parse(payload), "", 0)
	return a.syncCalls()
}

// syncCalls brings function_call items in line with the aggregator snapshot,
// emitting only the argument suffix not yet sent.
func (a *ResponsesAdapter) syncCalls() error {
	for _, call := range a.agg.Snapshot(0) {
		if call.Name == "" {
			continue
		}
		item, ok := a.calls[call.Index]
		if !ok {
			if err := a.closeMessage(); err != nil {
				return err
			}
			item = a.newItem("function_call", "fc_")
			item.callIndex = call.Index
			item.callID = call.ID
			item.name = call.Name
			a.calls[call.Index] = item
			if err := a.emit("response.output_item.added", map[string]interface{}{
				"output_index": item.outputIndex,
				"item":         a.callItem(item, "in_progress"),
			}); err != nil {
				return err
			}
		}

		full := validPrefix(call.Arguments)
		if !strings.HasPrefix(full, item.argsSent) {
			a.once.Warn("responses.args_rewritten."+item.callID, logrus.Fields{"call_id": item.callID},
				"[responses] arguments for %s changed after being streamed", item.callID)
			item.argsSent = full
			continue
		}
		suffix := full[len(item.argsSent):]
		if suffix == "" {
			continue
		}
		item.argsSent = full
		if err := a.emit("response.function_call_arguments.delta", map[string]interface{}{
			"item_id":      item.id,
			"output_index": item.outputIndex,
			"delta":        suffix,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *ResponsesAdapter) Finish(choice int, reason string) (err error) {
	defer a.guard(&err)
	if a.accept(choice) {
		a.reason = reason
	}
	return nil
}

func (a *ResponsesAdapter) Usage(u token.Resolved) (err error) {
	defer a.guard(&err)
	a.usage = &u
	return nil
}

func (a *ResponsesAdapter) Done() (err error) {
	defer a.guard(&err)
	if a.finished {
		return nil
	}
	if !a.started {
		if err := a.Start(a.info); err != nil {
			return err
		}
	}
	if err := a.closeMessage(); err != nil {
		return err
	}
	for _, item := range a.items {
		if item.kind != "function_call" || item.closed {
			continue
		}
		if err := a.closeCall(item); err != nil {
			return err
		}
	}

	a.finished = true
	status := "completed"
	var extra map[string]interface{}
	if a.reason == finish.Length {
		status = "incomplete"
		extra = map[string]interface{}{"incomplete_details": map[string]interface{}{"reason": "max_output_tokens"}}
	}
	if err := a.emit("response.completed", map[string]interface{}{"response": a.envelope(status, extra)}); err != nil {
		return err
	}
	return a.w.WriteFrame("", doneFrame)
}

// Abort writes only the [DONE] marker; a canceled turn is never reported as
// completed.
func (a *ResponsesAdapter) Abort() error {
	if a.finished {
		return nil
	}
	a.finished = true
	return a.w.WriteFrame("", doneFrame)
}

func (a *ResponsesAdapter) Fail(cause error) error {
	if a.finished {
		return nil
	}
	a.finished = true
	msg := "stream failed"
	if cause != nil {
		msg = cause.Error()
	}
	logrus.WithError(cause).Warn("[responses] terminating stream")
	extra := map[string]interface{}{
		"error": map[string]interface{}{"code": "server_error", "message": msg},
	}
	if err := a.emit("response.failed", map[string]interface{}{"response": a.envelope("failed", extra)}); err != nil {
		return err
	}
	return a.w.WriteFrame("", doneFrame)
}

// guard turns a panic or error inside an adapter method into a terminal
// failure so the connection never stays open.
func (a *ResponsesAdapter) guard(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("responses adapter: %v", p)
	}
	if *err != nil && !a.finished && !errors.Is(*err, ErrCanceled) {
		cause := *err
		if ferr := a.Fail(cause); ferr != nil {
			logrus.WithError(ferr).Debug("[responses] failure event not delivered")
		}
	}
}

func (a *ResponsesAdapter) accept(choice int) bool {
	if choice == 0 {
		return true
	}
	a.once.Warn("responses.extra_choice", logrus.Fields{"choice": choice},
		"[responses] dropping output for choice %d", choice)
	return false
}

func (a *ResponsesAdapter) newItem(kind, prefix string) *responseItem {
	item := &responseItem{
		id:          prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		outputIndex: len(a.items),
		kind:        kind,
	}
	a.items = append(a.items, item)
	return item
}

func (a *ResponsesAdapter) closeMessage() error {
	m := a.message
	if m == nil {
		return nil
	}
	a.message = nil
	m.closed = true
	text := m.text.String()
	if err := a.emit("response.output_text.done", map[string]interface{}{
		"item_id":       m.id,
		"output_index":  m.outputIndex,
		"content_index": 0,
		"text":          text,
	}); err != nil {
		return err
	}
	if err := a.emit("response.content_part.done", map[string]interface{}{
		"item_id":       m.id,
		"output_index":  m.outputIndex,
		"content_index": 0,
		"part":          outputText(text),
	}); err != nil {
		return err
	}
	return a.emit("response.output_item.done", map[string]interface{}{
		"output_index": m.outputIndex,
		"item":         a.messageItem(m, "completed"),
	})
}

func (a *ResponsesAdapter) closeCall(item *responseItem) error {
	item.closed = true
	if err := a.emit("response.function_call_arguments.done", map[string]interface{}{
		"item_id":      item.id,
		"output_index": item.outputIndex,
		"arguments":    item.argsSent,
	}); err != nil {
		return err
	}
	return a.emit("response.output_item.done", map[string]interface{}{
		"output_index": item.outputIndex,
		"item":         a.callItem(item, "completed"),
	})
}

func (a *ResponsesAdapter) messageItem(m *responseItem, status string) map[string]interface{} {
	content := []interface{}{}
	if status == "completed" {
		content = append(content, outputText(m.text.String()))
	}
	return map[string]interface{}{
		"id":      m.id,
		"type":    "message",
		"status":  status,
		"role":    "assistant",
		"content": content,
	}
}

func (a *ResponsesAdapter) callItem(item *responseItem, status string) map[string]interface{} {
	return map[string]interface{}{
		"id":        item.id,
		"type":      "function_call",
		"status":    status,
		"call_id":   item.callID,
		"name":      item.name,
		"arguments": item.argsSent,
	}
}

func (a *ResponsesAdapter) envelope(status string, extra map[string]interface{}) map[string]interface{} {
	output := make([]interface{}, 0, len(a.items))
	if status != "in_progress" {
		for _, item := range a.items {
			if item.kind == "message" {
				output = append(output, a.messageItem(item, "completed"))
			} else {
				output = append(output, a.callItem(item, "completed"))
			}
		}
	}
	resp := map[string]interface{}{
		"id":         a.respID,
		"object":     "response",
		"created_at": a.info.Created,
		"status":     status,
		"model":      a.info.Model,
		"output":     output,
	}
	if a.usage != nil && status != "in_progress" {
		resp["usage"] = map[string]interface{}{
			"input_tokens":  a.usage.Prompt,
			"output_tokens": a.usage.Completion,
			"total_tokens":  a.usage.Total,
		}
	}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

func (a *ResponsesAdapter) emit(event string, body map[string]interface{}) error {
	body["type"] = event
	body["sequence_number"] = a.seq
	a.seq++
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return a.w.WriteFrame(event, data)
}

func outputText(text string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "output_text",
		"text":        text,
		"annotations": []interface{}{},
	}
}

// validPrefix drops a trailing partial rune.
func validPrefix(s string) string {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if utf8.FullRuneInString(s[i:]) {
				return s
			}
			return s[:i]
		}
	}
	return s
}
