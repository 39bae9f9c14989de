// Package toolblock finds inline pseudo-XML tool invocations in assistant
// text and renders structured calls back into that grammar.
package toolblock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/internal/obs"
)

// Field is one named child value of a block, in source order.
type Field struct {
	Name  string
	Value string
}

// Block is one complete tool invocation found in text. Offsets are byte
// offsets into the scanned text; End is exclusive.
type Block struct {
	Start   int
	End     int
	Matcher string
	Name    string
	Fields  []Field
	// Arguments is a JSON value built from Fields or the embedded JSON body.
	Arguments string
	Raw       string
}

// Matcher recognizes one marker grammar.
type Matcher interface {
	Name() string
	// Markers returns the open and close literals.
	Markers() (open, close string)
	// Match returns every complete block that starts at or after start.
	Match(text string, start int) []Block
}

// ScanResult is the outcome of one Scan call. Next is the offset the
// following scan should start from.
type ScanResult struct {
	Blocks []Block
	Next   int
}

// Scanner runs a fixed set of matchers over growing text.
type Scanner struct {
	matchers []Matcher
	once     *obs.OnceRegistry
}

// DefaultMatchers returns the matchers registered when none are given.
// ToolCallMatcher is opt-in.
func DefaultMatchers() []Matcher {
	return []Matcher{UseToolMatcher{}}
}

// NewScanner creates a scanner. The use_tool matcher is always registered.
func NewScanner(once *obs.OnceRegistry, matchers ...Matcher) *Scanner {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	hasDefault := false
	for _, m := range matchers {
		if m.Name() == useToolName {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		matchers = append([]Matcher{UseToolMatcher{}}, matchers...)
	}
	return &Scanner{matchers: matchers, once: once}
}

// Scan returns the complete blocks in text[start:] and the next scan offset.
// An open marker without its close is left for a later call.
func (s *Scanner) Scan(text string, start int) ScanResult {
	if start < 0 {
		start = 0
	}
	if start > len(text) {
		return ScanResult{Next: len(text)}
	}

	var candidates []Block
	for _, m := range s.matchers {
		candidates = append(candidates, s.safeMatch(m, text, start)...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start < candidates[j].Start
	})
	var blocks []Block
	end := start
	for _, b := range candidates {
		if b.Start < end || b.End > len(text) || b.End <= b.Start {
			continue
		}
		blocks = append(blocks, b)
		end = b.End
	}

	next := len(text) - s.HoldbackLen(text)
	if open := s.OpenIndex(text, end); open >= 0 && open < next {
		next = open
	}
	if next < end {
		next = end
	}
	return ScanResult{Blocks: blocks, Next: next}
}

// OpenIndex returns the earliest open marker at or after from, or -1.
func (s *Scanner) OpenIndex(text string, from int) int {
	if from < 0 {
		from = 0
	}
	if from > len(text) {
		return -1
	}
	best := -1
	for _, m := range s.matchers {
		open, _ := m.Markers()
		if i := strings.Index(text[from:], open); i >= 0 && (best < 0 || from+i < best) {
			best = from + i
		}
	}
	return best
}

// Markers returns every open and close literal, deduplicated.
func (s *Scanner) Markers() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range s.matchers {
		open, close := m.Markers()
		for _, lit := range []string{open, close} {
			if !seen[lit] {
				seen[lit] = true
				out = append(out, lit)
			}
		}
	}
	return out
}

// HoldbackLen returns the length of the longest suffix of text that is a
// strict prefix of a marker literal.
func (s *Scanner) HoldbackLen(text string) int {
	return HoldbackLen(text, s.Markers())
}

// HoldbackLen is the marker-set independent form of Scanner.HoldbackLen.
func HoldbackLen(text string, markers []string) int {
	best := 0
	for _, m := range markers {
		max := len(m) - 1
		if max > len(text) {
			max = len(text)
		}
		for k := max; k > best; k-- {
			if strings.HasSuffix(text, m[:k]) {
				best = k
				break
			}
		}
	}
	return best
}

func (s *Scanner) safeMatch(m Matcher, text string, start int) (blocks []Block) {
	defer func() {
		if r := recover(); r != nil {
			s.once.Warn("toolblock.matcher."+m.Name(), logrus.Fields{"matcher": m.Name()},
				"[toolblock] matcher failed, skipping: %v", r)
			blocks = nil
		}
	}()
	blocks = m.Match(text, start)
	for i := range blocks {
		if blocks[i].Matcher == "" {
			blocks[i].Matcher = m.Name()
		}
	}
	return blocks
}

func (b Block) String() string {
	return fmt.Sprintf("%s[%d:%d] %s", b.Matcher, b.Start, b.End, b.Name)
}
