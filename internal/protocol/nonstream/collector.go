package nonstream

import (
	"sort"
	"strings"

	"github.com/tingly-dev/codex-relay/internal/protocol/finish"
	"github.com/tingly-dev/codex-relay/internal/protocol/stream"
	"github.com/tingly-dev/codex-relay/internal/protocol/token"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

// Choice is the collected output of one choice.
type Choice struct {
	Index        int
	Text         string
	ToolCalls    []toolcall.ToolCall
	FinishReason string
}

type choiceBuf struct {
	text   strings.Builder
	calls  map[int]*toolcall.ToolCall
	reason string
}

// Collector is a stream.Sink that keeps the whole response in memory so it
// can be written as one JSON body.
type Collector struct {
	info    stream.StartInfo
	choices map[int]*choiceBuf
	usage   token.Resolved
	err     error
	done    bool
}

var _ stream.Sink = (*Collector)(nil)

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{choices: map[int]*choiceBuf{}}
}

func (c *Collector) choice(i int) *choiceBuf {
	b, ok := c.choices[i]
	if !ok {
		b = &choiceBuf{calls: map[int]*toolcall.ToolCall{}}
		c.choices[i] = b
	}
	return b
}

func (c *Collector) Start(info stream.StartInfo) error {
	c.info = info
	return nil
}

func (c *Collector) Text(choice int, text string) error {
	c.choice(choice).text.WriteString(text)
	return nil
}

func (c *Collector) ToolCalls(choice int, deltas []toolcall.Delta) error {
	b := c.choice(choice)
	for _, d := range deltas {
		call, ok := b.calls[d.Index]
		if !ok {
			call = &toolcall.ToolCall{Index: d.Index}
			b.calls[d.Index] = call
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Type != "" {
			call.Type = d.Type
		}
		if d.Name != "" {
			call.Name = d.Name
		}
		call.Arguments += d.Arguments
	}
	return nil
}

func (c *Collector) Finish(choice int, reason string) error {
	c.choice(choice).reason = reason
	return nil
}

func (c *Collector) Usage(u token.Resolved) error {
	c.usage = u
	return nil
}

func (c *Collector) Done() error {
	c.done = true
	return nil
}

func (c *Collector) Abort() error {
	if c.err == nil {
		c.err = stream.ErrCanceled
	}
	return nil
}

func (c *Collector) Fail(err error) error {
	c.err = err
	return nil
}

// Err returns the failure recorded by the router, if any.
func (c *Collector) Err() error { return c.err }

// Info returns the response identity.
func (c *Collector) Info() stream.StartInfo { return c.info }

// ResolvedUsage returns the last usage reported.
func (c *Collector) ResolvedUsage() token.Resolved { return c.usage }

// Choices returns the collected choices ordered by index. A response with
// no output still has choice 0.
func (c *Collector) Choices() []Choice {
	if len(c.choices) == 0 {
		c.choice(0)
	}
	idx := make([]int, 0, len(c.choices))
	for i := range c.choices {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]Choice, 0, len(idx))
	for _, i := range idx {
		b := c.choices[i]
		ch := Choice{Index: i, Text: b.text.String(), FinishReason: b.reason}
		if ch.FinishReason == "" {
			ch.FinishReason = finish.Stop
		}
		keys := make([]int, 0, len(b.calls))
		for k := range b.calls {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			call := *b.calls[k]
			if call.ID == "" {
				call.ID = toolcall.NewCallID()
			}
			if call.Type == "" {
				call.Type = "function"
			}
			ch.ToolCalls = append(ch.ToolCalls, call)
		}
		out = append(out, ch)
	}
	return out
}
