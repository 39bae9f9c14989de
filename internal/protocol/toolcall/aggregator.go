// Package toolcall reconstructs structured tool calls from streamed fragments
// and final messages, one state per output choice.
package toolcall

import (
	"github.com/tidwall/gjson"
)

var (
	idAliases    = []string{"id", "call_id", "tool_call_id"}
	indexAliases = []string{"index", "tool_call_index", "position", "ordinal"}
	nameAliases  = []string{"function.name", "name"}
	argsAliases  = []string{"function.arguments", "arguments", "input"}
	seqAliases   = []string{"sequence_number", "seq", "event_id", "delta_id"}
)

const (
	// MaxIndexGap bounds how far past the current entries an explicit call
	// index may point. Larger values are treated as missing.
	MaxIndexGap = 64
	// MaxChoices bounds choice indices; larger values fold into choice 0.
	MaxChoices = 64
)

// ValidChoice reports whether a choice index is within MaxChoices.
func ValidChoice(index int) bool {
	return index >= 0 && index < MaxChoices
}

// Options tunes identity resolution.
type Options struct {
	// PreferID resolves identity by explicit id first, then position. The
	// default resolves by explicit index first, then id, then position.
	PreferID bool
}

type choiceCalls struct {
	entries     []*Entry
	byID        map[string]int
	last        int
	lastSeq     string
	lastMessage string
	legacy      bool
}

func (c *choiceCalls) ensure(index int) *Entry {
	if index >= len(c.entries) {
		grown := make([]*Entry, index+1)
		copy(grown, c.entries)
		c.entries = grown
	}
	if c.entries[index] == nil {
		c.entries[index] = &Entry{index: index}
	}
	return c.entries[index]
}

func (c *choiceCalls) count() int {
	n := 0
	for _, e := range c.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Aggregator is per-request state; it is not safe for concurrent use.
type Aggregator struct {
	opts     Options
	choices  []*choiceCalls
	parallel bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{opts: opts, parallel: true}
}

func (a *Aggregator) choice(index int) *choiceCalls {
	if !ValidChoice(index) {
		index = 0
	}
	if index >= len(a.choices) {
		grown := make([]*choiceCalls, index+1)
		copy(grown, a.choices)
		a.choices = grown
	}
	if a.choices[index] == nil {
		a.choices[index] = &choiceCalls{byID: map[string]int{}, last: -1}
	}
	return a.choices[index]
}

// IngestDelta applies a streamed fragment. payload may be a single call
// fragment, an array of them, or an object carrying tool_calls/function_call.
// A payload repeating the sequence identity of the previous one
// (sequence_number, seq, event_id, delta_id) is ignored; payloads without
// one are always applied, since equal fragments are legitimate.
func (a *Aggregator) IngestDelta(payload gjson.Result, choice int) Result {
	return a.IngestDeltaSeq(payload, SequenceOf(payload), choice)
}

// IngestDeltaSeq is IngestDelta with the sequence identity supplied by the
// caller, for payloads whose identity lives on an enclosing event.
func (a *Aggregator) IngestDeltaSeq(payload gjson.Result, seq string, choice int) Result {
	if !payload.Exists() {
		return Result{}
	}
	c := a.choice(choice)
	if seq != "" {
		if seq == c.lastSeq {
			return Result{}
		}
		c.lastSeq = seq
	}
	a.observeParallel(payload)

	var res Result
	for pos, frag := range fragments(payload) {
		e, changed := a.resolve(c, frag.value, pos, frag.positional)
		if e == nil {
			continue
		}
		if frag.legacy {
			e.legacy = true
			c.legacy = true
		}
		if applyScalars(e, frag.value) {
			changed = true
		}
		if args, ok := argsOf(frag.value); ok && args != "" {
			e.args = append(e.args, args...)
			changed = true
		}
		if changed {
			res.Updated = true
		}
		if d, ok := nextDelta(e, false); ok {
			res.Deltas = append(res.Deltas, d)
		}
	}
	return res
}

// IngestMessage applies a final message. Argument values replace the
// buffered ones since the message carries complete values.
func (a *Aggregator) IngestMessage(payload gjson.Result, opts MessageOptions, choice int) Result {
	if !payload.Exists() {
		return Result{}
	}
	c := a.choice(choice)
	if payload.Raw == c.lastMessage {
		return Result{}
	}
	c.lastMessage = payload.Raw
	a.observeParallel(payload)

	var res Result
	for pos, frag := range fragments(payload) {
		e, changed := a.resolve(c, frag.value, pos, frag.positional)
		if e == nil {
			continue
		}
		if frag.legacy {
			e.legacy = true
			c.legacy = true
		}
		if applyScalars(e, frag.value) {
			changed = true
		}
		if args, ok := argsOf(frag.value); ok && args != string(e.args) {
			e.args = append(e.args[:0:0], args...)
			changed = true
		}
		if changed {
			res.Updated = true
		}

		if opts.EmitIfMissing && !e.deltaSent {
			if d, ok := nextDelta(e, true); ok {
				res.Deltas = append(res.Deltas, d)
			}
			continue
		}
		if e.argsSent > len(e.args) {
			e.argsSent = len(e.args)
		}
	}
	return res
}

// SequenceOf returns the sequence identity carried by payload, or "".
func SequenceOf(payload gjson.Result) string {
	if !payload.IsObject() {
		return ""
	}
	for _, p := range seqAliases {
		if r := payload.Get(p); r.Exists() && (r.Type == gjson.String || r.Type == gjson.Number) && r.Raw != `""` {
			return r.Raw
		}
	}
	return ""
}

// Choices returns the choice indices that have call state, in order.
func (a *Aggregator) Choices() []int {
	var out []int
	for i, c := range a.choices {
		if c != nil {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot returns deep copies of the calls for a choice ordered by index.
func (a *Aggregator) Snapshot(choice int) []ToolCall {
	if choice < 0 || choice >= len(a.choices) || a.choices[choice] == nil {
		return nil
	}
	c := a.choices[choice]
	out := make([]ToolCall, 0, len(c.entries))
	for _, e := range c.entries {
		if e == nil {
			continue
		}
		e.ensureID()
		out = append(out, e.view())
	}
	return out
}

// HasCalls reports whether any choice has at least one call.
func (a *Aggregator) HasCalls() bool {
	for _, c := range a.choices {
		if c != nil && c.count() > 0 {
			return true
		}
	}
	return false
}

// HasCallsFor reports whether a single choice has calls.
func (a *Aggregator) HasCallsFor(choice int) bool {
	if choice < 0 || choice >= len(a.choices) || a.choices[choice] == nil {
		return false
	}
	return a.choices[choice].count() > 0
}

// HasFunctionCall reports whether the choice carried a legacy function_call.
func (a *Aggregator) HasFunctionCall(choice int) bool {
	if choice < 0 || choice >= len(a.choices) || a.choices[choice] == nil {
		return false
	}
	return a.choices[choice].legacy
}

// SupportsParallelCalls is true until any payload declares parallel_tool_calls=false.
func (a *Aggregator) SupportsParallelCalls() bool {
	return a.parallel
}

func (a *Aggregator) observeParallel(payload gjson.Result) {
	if !payload.IsObject() {
		return
	}
	if p := payload.Get("parallel_tool_calls"); p.Exists() && p.Type == gjson.False {
		a.parallel = false
	}
}

// resolve finds or creates the entry a fragment belongs to.
func (a *Aggregator) resolve(c *choiceCalls, frag gjson.Result, pos int, positional bool) (*Entry, bool) {
	id := firstString(frag, idAliases)
	idx, hasIdx := explicitIndex(frag)
	outOfRange := hasIdx && idx > len(c.entries)+MaxIndexGap
	if outOfRange {
		hasIdx = false
	}

	index := -1
	if a.opts.PreferID {
		if i, ok := c.byID[id]; ok && id != "" {
			index = i
		} else if hasIdx {
			index = idx
		}
	} else {
		if hasIdx {
			index = idx
		} else if i, ok := c.byID[id]; ok && id != "" {
			index = i
		}
	}

	if index < 0 {
		switch {
		case positional:
			index = pos
		case id != "" || outOfRange:
			index = len(c.entries)
		case c.last >= 0:
			index = c.last
		default:
			index = 0
		}
	}

	created := index >= len(c.entries) || c.entries[index] == nil
	e := c.ensure(index)
	changed := created

	if id != "" && id != e.id {
		switch {
		case e.id == "" || !e.idSent:
			if e.id != "" {
				delete(c.byID, e.id)
			}
			e.id = id
			changed = true
		default:
			// A new id on an index that already carries another call
			// overwrites the entry in place.
			delete(c.byID, e.id)
			e.reset(id)
			changed = true
		}
		c.byID[id] = index
	}
	c.last = index
	return e, changed
}

func applyScalars(e *Entry, frag gjson.Result) bool {
	changed := false
	if t := frag.Get("type"); t.Exists() && t.Type == gjson.String {
		typ := normalizeType(t.String())
		if typ != e.typ && !e.typeSent {
			e.typ = typ
			changed = true
		}
	}
	if name := firstString(frag, nameAliases); name != "" && name != e.name && !e.nameSent {
		e.name = name
		changed = true
	}
	return changed
}

// nextDelta builds the delta for everything on e not yet sent. Arguments are
// withheld until the call has a name unless force is set.
func nextDelta(e *Entry, force bool) (Delta, bool) {
	if e.name == "" && !force {
		return Delta{}, false
	}
	d := Delta{Index: e.index}
	emitted := false
	if !e.idSent {
		e.ensureID()
		d.ID = e.id
		e.idSent = true
		emitted = true
	}
	if !e.typeSent {
		d.Type = e.typ
		if d.Type == "" {
			d.Type = defaultCallType
		}
		e.typeSent = true
		emitted = true
	}
	if !e.nameSent && e.name != "" {
		d.Name = e.name
		e.nameSent = true
		emitted = true
	}
	if pending := e.pendingArgs(); len(pending) > 0 {
		d.Arguments = string(pending)
		e.argsSent += len(pending)
		emitted = true
	}
	if emitted {
		e.deltaSent = true
	}
	return d, emitted
}

type fragment struct {
	value      gjson.Result
	positional bool
	legacy     bool
}

func fragments(payload gjson.Result) []fragment {
	var out []fragment
	switch {
	case payload.IsArray():
		for _, v := range payload.Array() {
			out = append(out, fragment{value: v, positional: true})
		}
	case payload.Get("tool_calls").IsArray():
		for _, v := range payload.Get("tool_calls").Array() {
			out = append(out, fragment{value: v, positional: true})
		}
		if fc := payload.Get("function_call"); fc.IsObject() {
			out = append(out, fragment{value: fc, legacy: true})
		}
	case payload.Get("function_call").IsObject():
		out = append(out, fragment{value: payload.Get("function_call"), legacy: true})
	case payload.IsObject():
		out = append(out, fragment{value: payload})
	}
	return out
}

func firstString(v gjson.Result, paths []string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func explicitIndex(v gjson.Result) (int, bool) {
	for _, p := range indexAliases {
		if r := v.Get(p); r.Exists() && r.Type == gjson.Number {
			if i := int(r.Int()); i >= 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// argsOf returns the raw argument text of a fragment. Object values are kept
// as their JSON text.
func argsOf(v gjson.Result) (string, bool) {
	for _, p := range argsAliases {
		r := v.Get(p)
		if !r.Exists() {
			continue
		}
		switch r.Type {
		case gjson.String:
			return r.String(), true
		case gjson.Null:
			return "", true
		default:
			return r.Raw, true
		}
	}
	return "", false
}
