package toolblock

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	useToolName  = "use_tool"
	useToolOpen  = "<use_tool>"
	useToolClose = "</use_tool>"

	toolCallName  = "tool_call"
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// UseToolMatcher recognizes <use_tool> blocks whose body is either child
// tags (<name>, then one tag per argument) or a JSON object.
type UseToolMatcher struct{}

func (UseToolMatcher) Name() string { return useToolName }

func (UseToolMatcher) Markers() (string, string) { return useToolOpen, useToolClose }

func (UseToolMatcher) Match(text string, start int) []Block {
	return matchDelimited(text, start, useToolOpen, useToolClose, func(body string, b *Block) {
		if obj := strings.TrimSpace(body); strings.HasPrefix(obj, "{") && gjson.Valid(obj) {
			fillFromJSON(obj, b)
			return
		}
		fields, name := parseChildTags(body)
		if len(fields) == 0 && name == "" && strings.TrimSpace(body) != "" {
			b.Arguments = jsonQuote(strings.TrimSpace(body))
			return
		}
		b.Name = name
		b.Fields = fields
		b.Arguments = fieldsJSON(fields)
	})
}

// ToolCallMatcher recognizes <tool_call>{"name":..,"arguments":..}</tool_call>.
type ToolCallMatcher struct{}

func (ToolCallMatcher) Name() string { return toolCallName }

func (ToolCallMatcher) Markers() (string, string) { return toolCallOpen, toolCallClose }

func (ToolCallMatcher) Match(text string, start int) []Block {
	return matchDelimited(text, start, toolCallOpen, toolCallClose, func(body string, b *Block) {
		obj := strings.TrimSpace(body)
		if gjson.Valid(obj) && gjson.Parse(obj).IsObject() {
			fillFromJSON(obj, b)
			return
		}
		b.Arguments = jsonQuote(obj)
	})
}

// matchDelimited finds open/close pairs. When a second open appears before a
// close, the earlier open is treated as literal text.
func matchDelimited(text string, start int, open, close string, fill func(body string, b *Block)) []Block {
	var blocks []Block
	pos := start
	for pos < len(text) {
		i := strings.Index(text[pos:], open)
		if i < 0 {
			break
		}
		openAt := pos + i
		bodyStart := openAt + len(open)
		j := strings.Index(text[bodyStart:], close)
		if j < 0 {
			break
		}
		closeAt := bodyStart + j
		if k := strings.LastIndex(text[bodyStart:closeAt], open); k >= 0 {
			openAt = bodyStart + k
			bodyStart = openAt + len(open)
		}
		end := closeAt + len(close)
		b := Block{Start: openAt, End: end, Raw: text[openAt:end]}
		fill(text[bodyStart:closeAt], &b)
		blocks = append(blocks, b)
		pos = end
	}
	return blocks
}

func fillFromJSON(obj string, b *Block) {
	root := gjson.Parse(obj)
	b.Name = firstNonEmpty(root.Get("name").String(), root.Get("tool").String(), root.Get("function.name").String())

	for _, key := range []string{"arguments", "input", "parameters", "function.arguments"} {
		v := root.Get(key)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String {
			s := v.String()
			if gjson.Valid(s) {
				b.Arguments = s
			} else {
				b.Arguments = jsonQuote(s)
			}
		} else {
			b.Arguments = v.Raw
		}
		break
	}
	if b.Arguments == "" {
		rest := obj
		for _, key := range []string{"name", "tool"} {
			rest, _ = sjson.Delete(rest, key)
		}
		b.Arguments = rest
	}

	args := gjson.Parse(b.Arguments)
	if args.IsObject() {
		args.ForEach(func(k, v gjson.Result) bool {
			val := v.Raw
			if v.Type == gjson.String {
				val = v.String()
			}
			b.Fields = append(b.Fields, Field{Name: k.String(), Value: val})
			return true
		})
	}
}

// parseChildTags reads <tag>value</tag> children in order. The name tag is
// returned separately.
func parseChildTags(body string) ([]Field, string) {
	var fields []Field
	name := ""
	pos := 0
	for pos < len(body) {
		lt := strings.IndexByte(body[pos:], '<')
		if lt < 0 {
			break
		}
		lt += pos
		gt := strings.IndexByte(body[lt:], '>')
		if gt < 0 {
			break
		}
		gt += lt
		tag := body[lt+1 : gt]
		if tag == "" || strings.ContainsAny(tag, " /\t\n") {
			pos = gt + 1
			continue
		}
		closeTag := "</" + tag + ">"
		ci := strings.Index(body[gt+1:], closeTag)
		if ci < 0 {
			pos = gt + 1
			continue
		}
		value := body[gt+1 : gt+1+ci]
		if tag == "name" {
			name = strings.TrimSpace(value)
		} else {
			fields = append(fields, Field{Name: tag, Value: trimValue(value)})
		}
		pos = gt + 1 + ci + len(closeTag)
	}
	return fields, name
}

// fieldsJSON builds an object preserving field order. Values that are valid
// JSON are embedded as-is; anything else becomes a string.
func fieldsJSON(fields []Field) string {
	out := "{}"
	for _, f := range fields {
		path := escapePath(f.Name)
		if isJSONValue(f.Value) {
			out, _ = sjson.SetRaw(out, path, f.Value)
		} else {
			out, _ = sjson.Set(out, path, f.Value)
		}
	}
	return out
}

func isJSONValue(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	switch v[0] {
	case '{', '[':
		return gjson.Valid(v)
	}
	return v == "true" || v == "false" || v == "null" || isNumber(v)
}

func isNumber(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil && gjson.Valid(v)
}

func escapePath(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// trimValue drops the indentation newlines the render grammar adds around
// multi-line values.
func trimValue(v string) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	v = strings.TrimPrefix(v, "\n")
	return strings.TrimRight(v, " \t\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func jsonQuote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
