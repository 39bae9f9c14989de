package token

import (
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Provenance tells where the resolved counts came from.
type Provenance string

const (
	ProvenanceEstimate Provenance = "estimate"
	ProvenanceEvent    Provenance = "event"
	ProvenanceProvider Provenance = "provider"
)

// Counts is one usage report. Zero means the value was not reported.
type Counts struct {
	Prompt     int
	Completion int
}

// UpdateOptions qualifies a usage report.
type UpdateOptions struct {
	// ProviderAuthoritative reports are final tallies and overwrite earlier values.
	ProviderAuthoritative bool
}

// Resolved is the usage sent to the client.
type Resolved struct {
	Prompt              int
	Completion          int
	Total               int
	EstimatedCompletion int
	Provenance          Provenance
}

// UsageAccumulator tracks token usage for one request and guarantees usage is
// emitted and logged at most once. It is not safe for concurrent use.
type UsageAccumulator struct {
	prompt         int
	completion     int
	hasPrompt      bool
	hasCompletion  bool
	provenance     Provenance
	lastSource     string
	promptEstimate int
	visibleRunes   int

	started      time.Time
	firstContent time.Time
	finished     time.Time

	trigger string
	emitted bool
	logged  bool

	now func() time.Time
}

// NewUsageAccumulator starts accounting for a request whose prompt is
// estimated at promptEstimate tokens.
func NewUsageAccumulator(promptEstimate int) *UsageAccumulator {
	u := &UsageAccumulator{
		promptEstimate: promptEstimate,
		provenance:     ProvenanceEstimate,
		now:            time.Now,
	}
	u.started = u.now()
	return u
}

// AddVisibleText accounts text forwarded to the client. The first non-empty
// call marks the first-content time.
func (u *UsageAccumulator) AddVisibleText(text string) {
	if text == "" {
		return
	}
	if u.firstContent.IsZero() {
		u.firstContent = u.now()
	}
	u.visibleRunes += utf8.RuneCountInString(text)
}

// UpdateCounts applies a usage report from source. Authoritative reports
// overwrite; others only raise values since intermediate counters under-report.
func (u *UsageAccumulator) UpdateCounts(source string, c Counts, opts UpdateOptions) {
	if c.Prompt <= 0 && c.Completion <= 0 {
		return
	}
	u.lastSource = source

	if opts.ProviderAuthoritative {
		if c.Prompt > 0 {
			u.prompt, u.hasPrompt = c.Prompt, true
		}
		if c.Completion > 0 {
			u.completion, u.hasCompletion = c.Completion, true
		}
		u.provenance = ProvenanceProvider
		return
	}

	if c.Prompt > 0 && (!u.hasPrompt || c.Prompt > u.prompt) {
		u.prompt, u.hasPrompt = c.Prompt, true
	}
	if c.Completion > 0 && (!u.hasCompletion || c.Completion > u.completion) {
		u.completion, u.hasCompletion = c.Completion, true
	}
	if u.provenance == ProvenanceEstimate {
		u.provenance = ProvenanceEvent
	}
}

// ResolveCounts returns the current counts, falling back to estimates for
// values no event reported.
func (u *UsageAccumulator) ResolveCounts() Resolved {
	estimated := (u.visibleRunes + 3) / 4
	r := Resolved{
		Prompt:              u.promptEstimate,
		Completion:          estimated,
		EstimatedCompletion: estimated,
		Provenance:          u.provenance,
	}
	if u.hasPrompt {
		r.Prompt = u.prompt
	}
	if u.hasCompletion {
		r.Completion = u.completion
	}
	r.Total = r.Prompt + r.Completion
	return r
}

// EmitOnce returns true the first time it is called.
func (u *UsageAccumulator) EmitOnce(trigger string) bool {
	u.noteTrigger(trigger)
	if u.emitted {
		return false
	}
	u.emitted = true
	return true
}

// LogOnce writes the usage log line the first time it is called and returns
// whether it did.
func (u *UsageAccumulator) LogOnce(trigger string) bool {
	u.noteTrigger(trigger)
	if u.logged {
		return false
	}
	u.logged = true
	u.finished = u.now()

	r := u.ResolveCounts()
	firstContent, total := u.Timing()
	logrus.WithFields(logrus.Fields{
		"trigger":          u.trigger,
		"source":           u.lastSource,
		"prompt_tokens":    r.Prompt,
		"completion":       r.Completion,
		"estimated":        r.EstimatedCompletion,
		"provenance":       r.Provenance,
		"first_content_ms": firstContent.Milliseconds(),
		"duration_ms":      total.Milliseconds(),
	}).Info("[usage] request finished")
	return true
}

// Trigger returns the first non-empty trigger seen.
func (u *UsageAccumulator) Trigger() string {
	return u.trigger
}

// Timing returns latency to first content and total duration. Total is
// measured up to LogOnce, or now if it has not run.
func (u *UsageAccumulator) Timing() (firstContent, total time.Duration) {
	end := u.finished
	if end.IsZero() {
		end = u.now()
	}
	if !u.firstContent.IsZero() {
		firstContent = u.firstContent.Sub(u.started)
	}
	return firstContent, end.Sub(u.started)
}

func (u *UsageAccumulator) noteTrigger(trigger string) {
	if u.trigger == "" && trigger != "" {
		u.trigger = trigger
	}
}
