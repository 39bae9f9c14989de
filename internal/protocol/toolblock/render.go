package toolblock

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Schemas maps a tool name to its canonical field order.
type Schemas map[string][]string

// DefaultSchemas returns the field order for well-known tools.
func DefaultSchemas() Schemas {
	return Schemas{
		"shell":       {"command", "workdir", "timeout_ms"},
		"apply_patch": {"input", "patch"},
		"read_file":   {"path", "offset", "limit"},
		"write_file":  {"path", "content"},
		"search":      {"query", "path", "pattern"},
	}
}

var defaultSchemas = DefaultSchemas()

// Render formats a call with the default schemas.
func Render(name, arguments string) string {
	return defaultSchemas.Render(name, arguments)
}

// Render formats a call as a use_tool block. Object arguments become one
// child tag per field; anything else, or any key or value that would break
// the tag grammar, is written as a JSON body.
func (s Schemas) Render(name, arguments string) string {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	if !gjson.Valid(arguments) {
		return renderJSONBody(name, arguments)
	}
	args := gjson.Parse(arguments)
	if !args.IsObject() {
		return renderJSONBody(name, arguments)
	}

	values := map[string]gjson.Result{}
	var keys []string
	args.ForEach(func(k, v gjson.Result) bool {
		if _, dup := values[k.String()]; !dup {
			keys = append(keys, k.String())
		}
		values[k.String()] = v
		return true
	})
	if !tagSafe(name) {
		return renderJSONBody(name, arguments)
	}
	for _, k := range keys {
		v := values[k]
		if !tagName(k) || (v.Type == gjson.String && !tagSafe(v.String())) || (v.Type != gjson.String && !tagSafe(v.Raw)) {
			return renderJSONBody(name, arguments)
		}
	}

	var sb strings.Builder
	sb.WriteString(useToolOpen)
	sb.WriteString("\n  <name>")
	sb.WriteString(name)
	sb.WriteString("</name>\n")
	for _, key := range s.order(name, keys) {
		v := values[key]
		val := v.Raw
		if v.Type == gjson.String {
			val = v.String()
		}
		sb.WriteString("  <")
		sb.WriteString(key)
		sb.WriteString(">")
		sb.WriteString(val)
		sb.WriteString("</")
		sb.WriteString(key)
		sb.WriteString(">\n")
	}
	sb.WriteString(useToolClose)
	return sb.String()
}

// order puts schema fields first, in schema order, then the rest alphabetically.
func (s Schemas) order(name string, keys []string) []string {
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	out := make([]string, 0, len(keys))
	for _, k := range s[name] {
		if present[k] {
			out = append(out, k)
			delete(present, k)
		}
	}
	var rest []string
	for _, k := range keys {
		if present[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// renderJSONBody writes the call as JSON. '<' only occurs inside JSON
// strings, so it is escaped there to keep markers out of the body.
func renderJSONBody(name, arguments string) string {
	body := `{}`
	body, _ = sjson.Set(body, "name", name)
	if gjson.Valid(arguments) {
		body, _ = sjson.SetRaw(body, "arguments", arguments)
	} else {
		body, _ = sjson.Set(body, "arguments", arguments)
	}
	body = strings.ReplaceAll(body, "<", `\u003c`)
	return useToolOpen + "\n" + body + "\n" + useToolClose
}

// tagSafe reports whether s can sit between child tags unchanged.
func tagSafe(s string) bool {
	return !strings.Contains(s, "<")
}

func tagName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "<>/ \t\r\n")
}
