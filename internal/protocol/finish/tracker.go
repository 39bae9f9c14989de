package finish

// Source priorities, highest wins.
const (
	priorityFallback = 1 + iota
	priorityFinalizer
	priorityProvider
	priorityExplicit
)

var sourcePriority = map[string]int{
	"token_count": priorityExplicit,
	"length":      priorityExplicit,
	"max_tokens":  priorityExplicit,
	"cutoff":      priorityExplicit,
	"truncation":  priorityExplicit,

	"provider":      priorityProvider,
	"completion":    priorityProvider,
	"message_final": priorityProvider,
	"message_delta": priorityProvider,
	"response":      priorityProvider,
	"usage":         priorityProvider,

	"finalizer":     priorityFinalizer,
	"task_complete": priorityFinalizer,
	"eof":           priorityFinalizer,

	"fallback": priorityFallback,
}

// SourcePriority returns the priority of a source name. Unknown sources rank
// with the fallback.
func SourcePriority(source string) int {
	if p, ok := sourcePriority[source]; ok {
		return p
	}
	return priorityFallback
}

// TrailEntry records one reason-bearing signal. Canonical is empty when the
// raw value was not recognized.
type TrailEntry struct {
	Source    string
	Raw       string
	Canonical string
}

// Hints describe what the turn actually produced.
type Hints struct {
	HasToolCalls    bool
	HasFunctionCall bool
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Reason        string
	Source        string
	Trail         []TrailEntry
	UnknownValues []string
}

// UnknownFunc is called for every value that could not be canonicalized.
type UnknownFunc func(raw, source string)

// Tracker is per-request state; it is not safe for concurrent use.
type Tracker struct {
	reason   string
	source   string
	priority int
	trail    []TrailEntry
	unknown  []string
	fallback string
	onUnk    UnknownFunc
}

// NewTracker creates a tracker. An empty or non-canonical fallback means stop.
func NewTracker(fallback string, onUnknown UnknownFunc) *Tracker {
	if !IsCanonical(fallback) {
		fallback = Stop
	}
	return &Tracker{fallback: fallback, onUnk: onUnknown}
}

// Record canonicalizes raw and keeps it unless a higher-priority reason is
// already set. Equal priority lets the later value win.
func (t *Tracker) Record(raw, source string) (string, bool) {
	if normalize(raw) == "" {
		return "", false
	}
	canonical, ok := Canonicalize(raw)
	t.trail = append(t.trail, TrailEntry{Source: source, Raw: raw, Canonical: canonical})
	if !ok {
		t.unknown = append(t.unknown, raw)
		if t.onUnk != nil {
			t.onUnk(raw, source)
		}
		return "", false
	}

	p := SourcePriority(source)
	if t.reason == "" || p >= t.priority {
		t.reason = canonical
		t.source = source
		t.priority = p
	}
	return canonical, true
}

// RecordFlag records length when a boolean limit flag is set.
func (t *Tracker) RecordFlag(name string, set bool, source string) (string, bool) {
	if !set || !IsLimitFlag(name) {
		return "", false
	}
	return t.Record(name, source)
}

// Current returns the best reason recorded so far.
func (t *Tracker) Current() (reason, source string) {
	return t.reason, t.source
}

// HasLength reports whether length evidence has been recorded.
func (t *Tracker) HasLength() bool {
	return t.reason == Length
}

// Resolve returns the final reason, applying structural correction for
// turns that produced tool or function calls.
func (t *Tracker) Resolve(h Hints) Resolution {
	reason, source := t.reason, t.source
	if reason == "" {
		reason, source = t.fallback, "fallback"
	}

	switch {
	case h.HasToolCalls:
		if reason != Length && reason != ContentFilter && reason != ToolCalls {
			reason, source = ToolCalls, "structural"
		}
	case h.HasFunctionCall:
		if reason != Length && reason != ContentFilter && reason != FunctionCall {
			reason, source = FunctionCall, "structural"
		}
	}

	res := Resolution{
		Reason: reason,
		Source: source,
		Trail:  append([]TrailEntry(nil), t.trail...),
	}
	if len(t.unknown) > 0 {
		res.UnknownValues = append([]string(nil), t.unknown...)
	}
	return res
}
