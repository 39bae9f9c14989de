package stream

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolblock"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

const (
	// minResendPrefix is the shortest accumulated text treated as resent when
	// a fragment starts with it.
	minResendPrefix = 4
	// minOverlap is the shortest suffix/prefix overlap stripped from a fragment.
	minOverlap = 16
	// maxOverlapWindow bounds the overlap search.
	maxOverlapWindow = 4096
)

// PieceKind tells the sink what a Piece carries.
type PieceKind int

const (
	PieceText PieceKind = iota
	PieceToolDeltas
	PieceAbort
)

// Piece is one unit of client-visible output.
type Piece struct {
	Kind   PieceKind
	Choice int
	Text   string
	Deltas []toolcall.Delta
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Mode           OutputMode
	StopAfterTools StopPolicy
	SuppressTail   bool
	Scanner        *toolblock.Scanner
	Schemas        toolblock.Schemas
	Once           *obs.OnceRegistry
}

type toolBuffer struct {
	open  bool
	start int
}

type choiceState struct {
	text          string
	forwardedUpTo int
	scanOffset    int
	lastBlockEnd  int
	buf           toolBuffer

	textualToolSeen    bool
	dropAfterTools     bool
	sentAny            bool
	sentBeforeEvidence bool
	hasToolEvidence    bool

	structuredCount int
	forwardedCalls  int
	rawForwarded    map[int]bool
	flushed         map[int]bool
}

// Coordinator decides what text and tool content is safe to forward. One
// Coordinator serves one request.
type Coordinator struct {
	opts    CoordinatorOptions
	choices []*choiceState
}

// NewCoordinator creates a coordinator with defaults for unset options.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Mode == "" {
		opts.Mode = ModeRaw
	}
	if opts.StopAfterTools == "" {
		opts.StopAfterTools = StopOff
	}
	if opts.Scanner == nil {
		opts.Scanner = toolblock.NewScanner(opts.Once)
	}
	if opts.Schemas == nil {
		opts.Schemas = toolblock.DefaultSchemas()
	}
	return &Coordinator{opts: opts}
}

func (c *Coordinator) state(choice int) *choiceState {
	if !toolcall.ValidChoice(choice) {
		choice = 0
	}
	if choice >= len(c.choices) {
		grown := make([]*choiceState, choice+1)
		copy(grown, c.choices)
		c.choices = grown
	}
	if c.choices[choice] == nil {
		c.choices[choice] = &choiceState{rawForwarded: map[int]bool{}, flushed: map[int]bool{}}
	}
	return c.choices[choice]
}

// AppendText accepts a text fragment and returns what may be forwarded now.
func (c *Coordinator) AppendText(choice int, fragment string) []Piece {
	st := c.state(choice)
	return c.append(choice, st, removeOverlap(st.text, fragment))
}

// AppendFinal accepts the complete text of a final message. Only the part
// extending what was already accumulated is processed.
func (c *Coordinator) AppendFinal(choice int, content string) []Piece {
	st := c.state(choice)
	switch {
	case content == "":
		return nil
	case strings.HasPrefix(content, st.text):
		return c.append(choice, st, content[len(st.text):])
	case strings.HasSuffix(st.text, content) || strings.Contains(st.text, content):
		return nil
	default:
		return c.append(choice, st, removeOverlap(st.text, content))
	}
}

func (c *Coordinator) append(choice int, st *choiceState, fragment string) []Piece {
	if fragment == "" {
		return nil
	}
	st.text += fragment

	var out []Piece
	if c.opts.Mode == ModeSynthesized {
		out = append(out, c.trackBuffer(choice, st)...)
	}
	out = append(out, c.forwardBlocks(choice, st, "append")...)
	out = append(out, c.release(choice, st, false)...)
	return out
}

// trackBuffer opens the tool buffer on a new open marker and aborts it when a
// second open marker arrives before the first one closed.
func (c *Coordinator) trackBuffer(choice int, st *choiceState) []Piece {
	var out []Piece
	scanner := c.opts.Scanner
	if !st.buf.open {
		if i := scanner.OpenIndex(st.text, st.forwardedUpTo); i >= 0 {
			st.buf = toolBuffer{open: true, start: i}
		}
	}
	for st.buf.open {
		next := scanner.OpenIndex(st.text, st.buf.start+1)
		if next < 0 {
			break
		}
		if closeAt := c.closeIndex(st.text, st.buf.start); closeAt >= 0 && closeAt < next {
			break
		}
		if lit := st.text[st.forwardedUpTo:next]; lit != "" {
			out = append(out, c.emitText(choice, st, lit)...)
		}
		st.forwardedUpTo = next
		if st.scanOffset < next {
			st.scanOffset = next
		}
		st.buf.start = next
		out = append(out, Piece{Kind: PieceAbort, Choice: choice})
		logrus.WithField("choice", choice).Debug("[coordinator] nested tool block open, flushed buffer as text")
	}
	return out
}

func (c *Coordinator) closeIndex(text string, from int) int {
	best := -1
	for _, m := range c.opts.Scanner.Markers() {
		if !strings.HasPrefix(m, "</") {
			continue
		}
		if i := strings.Index(text[from:], m); i >= 0 && (best < 0 || from+i < best) {
			best = from + i
		}
	}
	return best
}

// forwardBlocks forwards every newly completed block exactly once, with the
// literal text preceding it.
func (c *Coordinator) forwardBlocks(choice int, st *choiceState, phase string) []Piece {
	res, ok := c.safeScan(choice, st, phase)
	if !ok {
		return nil
	}

	var out []Piece
	for _, b := range res.Blocks {
		if b.Start < st.forwardedUpTo {
			continue
		}
		if lit := st.text[st.forwardedUpTo:b.Start]; lit != "" {
			out = append(out, c.emitText(choice, st, lit)...)
		}

		st.textualToolSeen = true
		c.markEvidence(st)

		block := b.Raw
		if c.opts.Mode == ModeSynthesized {
			block = c.opts.Schemas.Render(b.Name, b.Arguments)
		}
		out = append(out, Piece{Kind: PieceText, Choice: choice, Text: block})
		st.sentAny = true

		st.forwardedUpTo = b.End
		st.lastBlockEnd = b.End
		if st.buf.open && st.buf.start < b.End {
			st.buf = toolBuffer{}
		}
	}
	if res.Next > st.scanOffset {
		st.scanOffset = res.Next
	}
	if st.scanOffset < st.lastBlockEnd {
		st.scanOffset = st.lastBlockEnd
	}
	return out
}

func (c *Coordinator) safeScan(choice int, st *choiceState, phase string) (res toolblock.ScanResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.Once.Warn("stream.scan."+phase, logrus.Fields{"choiceIndex": choice, "phase": phase},
				"[coordinator] tool block scan failed, continuing without blocks: %v", r)
			res, ok = toolblock.ScanResult{}, false
		}
	}()
	return c.opts.Scanner.Scan(st.text, st.scanOffset), true
}

// release forwards the releasable tail of the accumulated text.
func (c *Coordinator) release(choice int, st *choiceState, final bool) []Piece {
	bound := len(st.text)
	if !final {
		bound -= c.opts.Scanner.HoldbackLen(st.text)
		if open := c.opts.Scanner.OpenIndex(st.text, st.forwardedUpTo); open >= 0 && open < bound {
			bound = open
		}
		if st.buf.open && st.buf.start < bound {
			bound = st.buf.start
		}
	}
	if bound < st.forwardedUpTo {
		bound = st.forwardedUpTo
	}
	if c.opts.SuppressTail {
		bound = st.forwardedUpTo + trimRemnant(st.text[st.forwardedUpTo:bound])
	}

	lit := st.text[st.forwardedUpTo:bound]
	if final {
		// A dropped remnant at the end is never sent.
		defer func() { st.forwardedUpTo = len(st.text) }()
	}
	if lit == "" {
		return nil
	}
	out := c.emitText(choice, st, lit)
	st.forwardedUpTo = bound
	return out
}

// emitText forwards literal text unless the stop-after-tools policy drops it.
func (c *Coordinator) emitText(choice int, st *choiceState, text string) []Piece {
	if st.dropAfterTools {
		return nil
	}
	st.sentAny = true
	if !st.hasToolEvidence {
		st.sentBeforeEvidence = true
	}
	return []Piece{{Kind: PieceText, Choice: choice, Text: text}}
}

func (c *Coordinator) markEvidence(st *choiceState) {
	st.hasToolEvidence = true
	switch c.opts.StopAfterTools {
	case StopAny:
		st.dropAfterTools = true
	case StopFirstBurst:
		if st.sentBeforeEvidence {
			st.dropAfterTools = true
		}
	}
}

// ForwardStructured forwards aggregator deltas. In raw mode they pass through
// unless textual tool blocks were seen for the choice; in synthesized mode
// calls are rendered later by FlushStructured.
func (c *Coordinator) ForwardStructured(choice int, deltas []toolcall.Delta) []Piece {
	if len(deltas) == 0 {
		return nil
	}
	st := c.state(choice)
	c.markEvidence(st)
	for _, d := range deltas {
		if d.Index+1 > st.structuredCount {
			st.structuredCount = d.Index + 1
		}
	}
	if c.opts.Mode != ModeRaw || st.textualToolSeen {
		return nil
	}
	var out []toolcall.Delta
	for _, d := range deltas {
		if st.flushed[d.Index] {
			continue
		}
		st.rawForwarded[d.Index] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	st.sentAny = true
	return []Piece{{Kind: PieceToolDeltas, Choice: choice, Deltas: out}}
}

// FlushStructured forwards calls from snapshot that were never forwarded.
// The watermark guarantees a call is forwarded at most once.
func (c *Coordinator) FlushStructured(choice int, snapshot []toolcall.ToolCall) []Piece {
	st := c.state(choice)
	if len(snapshot) == 0 {
		return nil
	}
	c.markEvidence(st)
	if len(snapshot) > st.structuredCount {
		st.structuredCount = len(snapshot)
	}
	if st.textualToolSeen {
		st.forwardedCalls = len(snapshot)
		return nil
	}

	var out []Piece
	switch c.opts.Mode {
	case ModeSynthesized:
		for _, call := range snapshot[min(st.forwardedCalls, len(snapshot)):] {
			out = append(out, Piece{Kind: PieceText, Choice: choice, Text: c.opts.Schemas.Render(call.Name, call.Arguments)})
			st.sentAny = true
		}
	default:
		var deltas []toolcall.Delta
		for _, call := range snapshot {
			if st.rawForwarded[call.Index] {
				continue
			}
			st.rawForwarded[call.Index] = true
			st.flushed[call.Index] = true
			deltas = append(deltas, toolcall.Delta{
				Index:     call.Index,
				ID:        call.ID,
				Type:      call.Type,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}
		if len(deltas) > 0 {
			out = append(out, Piece{Kind: PieceToolDeltas, Choice: choice, Deltas: deltas})
			st.sentAny = true
		}
	}
	if len(snapshot) > st.forwardedCalls {
		st.forwardedCalls = len(snapshot)
	}
	return out
}

// Finish flushes everything still held for the choice. An open tool buffer
// is released as literal text.
func (c *Coordinator) Finish(choice int) []Piece {
	st := c.state(choice)
	var out []Piece
	out = append(out, c.forwardBlocks(choice, st, "finish")...)
	if st.buf.open && st.forwardedUpTo <= st.buf.start {
		out = append(out, Piece{Kind: PieceAbort, Choice: choice})
	}
	st.buf = toolBuffer{}
	out = append(out, c.release(choice, st, true)...)
	return out
}

// peek returns the state for choice without creating it.
func (c *Coordinator) peek(choice int) *choiceState {
	if choice < 0 || choice >= len(c.choices) || c.choices[choice] == nil {
		return &choiceState{}
	}
	return c.choices[choice]
}

// ForwardedUpTo returns how much of the accumulated text has been forwarded
// or deliberately skipped.
func (c *Coordinator) ForwardedUpTo(choice int) int {
	return c.peek(choice).forwardedUpTo
}

// Text returns the accumulated text for a choice.
func (c *Coordinator) Text(choice int) string {
	return c.peek(choice).text
}

// SentAny reports whether anything was forwarded for the choice.
func (c *Coordinator) SentAny(choice int) bool {
	return c.peek(choice).sentAny
}

// HasToolEvidence reports whether the choice produced any tool call.
func (c *Coordinator) HasToolEvidence(choice int) bool {
	return c.peek(choice).hasToolEvidence
}

// TextualToolSeen reports whether inline tool blocks were found for the choice.
func (c *Coordinator) TextualToolSeen(choice int) bool {
	return c.peek(choice).textualToolSeen
}

// Choices returns the indices of the choices that received content, in order.
func (c *Coordinator) Choices() []int {
	var out []int
	for i, st := range c.choices {
		if st != nil {
			out = append(out, i)
		}
	}
	return out
}

// removeOverlap strips the part of fragment already present in prev, for
// backends that resend a growing accumulation instead of a delta.
func removeOverlap(prev, fragment string) string {
	if prev == "" || fragment == "" {
		return fragment
	}
	if len(prev) >= minResendPrefix && strings.HasPrefix(fragment, prev) {
		return fragment[len(prev):]
	}
	if len(fragment) >= minOverlap && strings.HasSuffix(prev, fragment) {
		return ""
	}

	maxK := len(fragment)
	if len(prev) < maxK {
		maxK = len(prev)
	}
	if maxK > maxOverlapWindow {
		maxK = maxOverlapWindow
	}
	for k := maxK; k >= minOverlap; k-- {
		if strings.HasSuffix(prev, fragment[:k]) {
			return fragment[k:]
		}
	}
	return fragment
}

// trimRemnant returns how much of text may be released when a trailing
// unterminated tag remnant ("<foo") is suppressed.
func trimRemnant(text string) int {
	lt := strings.LastIndexByte(text, '<')
	if lt < 0 || strings.IndexByte(text[lt:], '>') >= 0 {
		return len(text)
	}
	if strings.ContainsAny(text[lt+1:], " \t\n") {
		return len(text)
	}
	return lt
}
