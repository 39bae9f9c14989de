package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/codex-relay/agentboot/events"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/obs/otel"
	"github.com/tingly-dev/codex-relay/internal/protocol/finish"
	"github.com/tingly-dev/codex-relay/internal/protocol/token"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolblock"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolcall"
)

// LineSource yields raw backend lines in arrival order.
type LineSource interface {
	Next() bool
	Line() []byte
	Err() error
}

// Options configures one routed request.
type Options struct {
	OutputMode     OutputMode
	StopAfterTools StopPolicy
	SuppressTail   bool
	FallbackReason string
	IncludeUsage   bool
	// MaxTokens, when set, turns a completion count at or above it into length evidence.
	MaxTokens    int
	Model        string
	PromptTokens int
	// Protocol labels metrics ("chat" or "responses").
	Protocol  string
	Streaming bool

	Scanner *toolblock.Scanner
	Schemas toolblock.Schemas
	Once    *obs.OnceRegistry
	Metrics *otel.Tracker

	// Passthrough receives events of kinds the router does not handle.
	Passthrough func(env events.Envelope)
}

// Router drives one request from backend events to a Sink.
type Router struct {
	opts   Options
	sink   Sink
	agg   *toolcall.Aggregator
	coord *Coordinator
	usage *token.UsageAccumulator
	ctx   context.Context

	// finishers holds one tracker per choice. requestReasons are signals
	// that apply to every choice, replayed into trackers created later.
	finishers      []*finish.Tracker
	requestReasons []reasonSignal
	unknownSeen    map[string]bool

	id       string
	model    string
	created  int64
	started  bool
	done     bool
	failed   bool
	canceled atomic.Bool
}

type reasonSignal struct {
	raw    string
	source string
}

// NewRouter creates a router writing to sink.
func NewRouter(sink Sink, opts Options) *Router {
	if opts.Protocol == "" {
		opts.Protocol = "chat"
	}
	if opts.Scanner == nil {
		opts.Scanner = toolblock.NewScanner(opts.Once)
	}
	r := &Router{
		opts:  opts,
		sink:  sink,
		agg:   toolcall.NewAggregator(toolcall.Options{}),
		usage: token.NewUsageAccumulator(opts.PromptTokens),
		ctx:   context.Background(),
		id:    "chatcmpl-" + uuid.NewString(),
		model: opts.Model,
	}
	r.coord = NewCoordinator(CoordinatorOptions{
		Mode:           opts.OutputMode,
		StopAfterTools: opts.StopAfterTools,
		SuppressTail:   opts.SuppressTail,
		Scanner:        opts.Scanner,
		Schemas:        opts.Schemas,
		Once:           opts.Once,
	})
	return r
}

// ID returns the response id.
func (r *Router) ID() string { return r.id }

// Model returns the response model, which metadata events may set.
func (r *Router) Model() string { return r.model }

// Cancel stops processing. Later events are ignored and nothing but a
// best-effort terminal marker is written.
func (r *Router) Cancel() {
	r.canceled.Store(true)
}

// Run consumes src until the turn completes, the source ends or ctx is done.
func (r *Router) Run(ctx context.Context, src LineSource) error {
	for {
		cont, err := r.Step(ctx, src)
		if err != nil || !cont {
			return err
		}
	}
}

// Step consumes one line from src and reports whether to continue.
func (r *Router) Step(ctx context.Context, src LineSource) (cont bool, err error) {
	r.ctx = ctx
	defer func() {
		if p := recover(); p != nil {
			logrus.WithField("panic", p).Error("[router] recovered from panic")
			err = r.fail(fmt.Errorf("internal error: %v", p))
			cont = false
		}
	}()

	if r.done {
		return false, nil
	}
	if ctx.Err() != nil || r.canceled.Load() {
		r.abort("canceled")
		return false, ErrCanceled
	}
	if !src.Next() {
		if srcErr := src.Err(); srcErr != nil && !errors.Is(srcErr, context.Canceled) {
			return false, r.fail(srcErr)
		}
		if ctx.Err() != nil {
			r.abort("canceled")
			return false, ErrCanceled
		}
		return false, r.Finalize("eof")
	}
	done, err := r.HandleLine(src.Line())
	if err != nil {
		return false, err
	}
	return !done, nil
}

// HandleLine parses and handles one raw line. Unparseable lines are skipped.
func (r *Router) HandleLine(line []byte) (bool, error) {
	env, err := events.ParseLine(line)
	if err != nil {
		if !errors.Is(err, events.ErrEmptyLine) {
			logrus.WithError(err).Debugf("[router] skipping line: %.200s", line)
		}
		return false, nil
	}
	return r.Handle(env)
}

// Handle routes one event. It returns done=true after the terminal event.
func (r *Router) Handle(env events.Envelope) (bool, error) {
	if r.done {
		return true, nil
	}
	if r.canceled.Load() {
		return true, ErrCanceled
	}

	switch env.Kind {
	case events.KindMetadata:
		r.handleMetadata(env.Payload)
		return false, nil
	case events.KindFunctionCallOutput:
		logrus.WithFields(logrus.Fields{
			"type":    env.Type,
			"call_id": firstOf(env.Payload, "call_id", "id"),
		}).Debug("[router] tool output")
		return false, nil
	case events.KindOther:
		if r.opts.Passthrough != nil {
			r.opts.Passthrough(env)
		}
		return false, nil
	}

	if err := r.start(); err != nil {
		return true, err
	}

	var err error
	switch env.Kind {
	case events.KindMessageDelta:
		err = r.handleDelta(env.Payload)
	case events.KindMessageFinal:
		err = r.handleFinal(env.Payload)
	case events.KindTokenCount:
		r.handleTokenCount(env.Payload)
	case events.KindUsage:
		r.handleUsage(env.Payload)
	case events.KindTaskComplete:
		return true, r.complete(env.Payload, "task_complete")
	}
	if err != nil {
		return true, err
	}
	return false, nil
}

// Finalize ends the turn without a task_complete event.
func (r *Router) Finalize(trigger string) error {
	if r.done {
		return nil
	}
	if err := r.start(); err != nil {
		return err
	}
	return r.complete(gjson.Result{}, trigger)
}

func (r *Router) start() error {
	if r.started {
		return nil
	}
	r.started = true
	r.created = time.Now().Unix()
	return r.sink.Start(StartInfo{ID: r.id, Model: r.model, Created: r.created})
}

func (r *Router) handleMetadata(p gjson.Result) {
	if m := p.Get("model").String(); m != "" && r.model == "" {
		r.model = m
	}
	logrus.WithFields(logrus.Fields{
		"model":      p.Get("model").String(),
		"session_id": p.Get("session_id").String(),
	}).Debug("[router] session metadata")
}

func (r *Router) handleDelta(p gjson.Result) error {
	seq := toolcall.SequenceOf(p)
	if choices := p.Get("choices"); choices.IsArray() {
		for pos, ch := range choices.Array() {
			idx := r.choiceIndex(ch.Get("index"), pos)
			if err := r.deltaObject(idx, ch.Get("delta"), seq); err != nil {
				return err
			}
			r.recordReason(ch.Get("finish_reason"), "message_delta", idx)
		}
		return nil
	}

	idx := r.choiceIndex(p.Get("index"), 0)
	d := p.Get("delta")
	switch {
	case d.Type == gjson.String:
		if err := r.emit(r.coord.AppendText(idx, d.String())); err != nil {
			return err
		}
	case d.IsObject():
		idx = r.choiceIndex(d.Get("index"), idx)
		if err := r.deltaObject(idx, d, seq); err != nil {
			return err
		}
	default:
		if t := firstOf(p, "content", "text"); t != "" {
			if err := r.emit(r.coord.AppendText(idx, t)); err != nil {
				return err
			}
		}
		if p.Get("tool_calls").Exists() || p.Get("function_call").Exists() {
			if err := r.emit(r.coord.ForwardStructured(idx, r.agg.IngestDeltaSeq(p, seq, idx).Deltas)); err != nil {
				return err
			}
		}
	}
	r.recordReason(p.Get("finish_reason"), "message_delta", idx)
	return nil
}

// deltaObject handles one delta object. seq is the enclosing event's
// sequence identity, used when the delta has none of its own.
func (r *Router) deltaObject(idx int, d gjson.Result, seq string) error {
	if t := firstOf(d, "content", "text"); t != "" {
		if err := r.emit(r.coord.AppendText(idx, t)); err != nil {
			return err
		}
	}
	if d.Get("tool_calls").Exists() || d.Get("function_call").Exists() {
		if own := toolcall.SequenceOf(d); own != "" {
			seq = own
		}
		res := r.agg.IngestDeltaSeq(d, seq, idx)
		if err := r.emit(r.coord.ForwardStructured(idx, res.Deltas)); err != nil {
			return err
		}
	}
	r.recordReason(d.Get("finish_reason"), "message_delta", idx)
	return nil
}

// choiceIndex reads a choice index, using fallback when it is absent or
// out of range.
func (r *Router) choiceIndex(v gjson.Result, fallback int) int {
	if !toolcall.ValidChoice(fallback) {
		fallback = 0
	}
	if !v.Exists() {
		return fallback
	}
	i := v.Int()
	if v.Type != gjson.Number || i < 0 || i >= toolcall.MaxChoices {
		r.opts.Once.Warn("router.choice_index", logrus.Fields{"index": v.Raw},
			"[router] choice index %s out of range, using %d", v.Raw, fallback)
		return fallback
	}
	return int(i)
}

func (r *Router) handleFinal(p gjson.Result) error {
	msg := p.Get("message")
	if !msg.Exists() {
		msg = p
	}
	idx := r.choiceIndex(p.Get("index"), 0)
	if msg.IsObject() {
		idx = r.choiceIndex(msg.Get("index"), idx)
	}

	if msg.Type == gjson.String {
		return r.emit(r.coord.AppendFinal(idx, msg.String()))
	}

	if content := messageContent(msg.Get("content")); content != "" {
		if err := r.emit(r.coord.AppendFinal(idx, content)); err != nil {
			return err
		}
	}
	if msg.Get("tool_calls").Exists() || msg.Get("function_call").Exists() {
		res := r.agg.IngestMessage(msg, toolcall.MessageOptions{EmitIfMissing: true}, idx)
		if err := r.emit(r.coord.ForwardStructured(idx, res.Deltas)); err != nil {
			return err
		}
		if r.opts.OutputMode == ModeSynthesized {
			if err := r.emit(r.coord.FlushStructured(idx, r.agg.Snapshot(idx))); err != nil {
				return err
			}
		}
	}
	r.recordReason(msg.Get("finish_reason"), "message_final", idx)
	r.recordReason(p.Get("finish_reason"), "message_final", idx)
	return nil
}

func (r *Router) handleTokenCount(p gjson.Result) {
	usage := p
	switch {
	case p.Get("info.total_token_usage").IsObject():
		usage = p.Get("info.total_token_usage")
	case p.Get("info.last_token_usage").IsObject():
		usage = p.Get("info.last_token_usage")
	case p.Get("info").IsObject():
		usage = p.Get("info")
	}
	r.usage.UpdateCounts("token_count", countsOf(usage), token.UpdateOptions{})

	for _, src := range []gjson.Result{p, p.Get("info")} {
		if !src.IsObject() {
			continue
		}
		r.recordRequestReason(src.Get("finish_reason"), "token_count")
		r.recordRequestReason(src.Get("stop_reason"), "token_count")
		for _, flag := range finish.LimitFlags() {
			if v := src.Get(flag); v.Exists() && v.Bool() && finish.IsLimitFlag(flag) {
				r.recordRequest(flag, "token_count")
			}
		}
	}
}

func (r *Router) handleUsage(p gjson.Result) {
	usage := p
	if u := p.Get("usage"); u.IsObject() {
		usage = u
	}
	r.usage.UpdateCounts("provider", countsOf(usage), token.UpdateOptions{ProviderAuthoritative: true})
	r.recordRequestReason(p.Get("finish_reason"), "provider")
}

func (r *Router) complete(p gjson.Result, trigger string) error {
	r.done = true

	if last := p.Get("last_agent_message"); last.Type == gjson.String && last.String() != "" && !r.coord.SentAny(0) {
		if err := r.emit(r.coord.AppendFinal(0, last.String())); err != nil {
			return err
		}
	}
	if p.Exists() {
		r.recordRequestReason(p.Get("finish_reason"), trigger)
		r.recordRequestReason(p.Get("stop_reason"), trigger)
	}

	resolved := r.usage.ResolveCounts()
	if r.opts.MaxTokens > 0 && resolved.Completion >= r.opts.MaxTokens {
		r.recordRequest(finish.Length, "length")
	}

	for _, i := range r.activeChoices() {
		if err := r.emit(r.coord.Finish(i)); err != nil {
			return err
		}
		if err := r.emit(r.coord.FlushStructured(i, r.agg.Snapshot(i))); err != nil {
			return err
		}
		hasFunction := r.agg.HasFunctionCall(i)
		res := r.tracker(i).Resolve(finish.Hints{
			HasToolCalls:    (r.agg.HasCallsFor(i) && !hasFunction) || r.coord.TextualToolSeen(i),
			HasFunctionCall: hasFunction,
		})
		if res.Source == "structural" || len(res.UnknownValues) > 0 {
			logrus.WithFields(logrus.Fields{
				"choice":  i,
				"reason":  res.Reason,
				"source":  res.Source,
				"trail":   res.Trail,
				"unknown": res.UnknownValues,
			}).Debug("[router] finish reason resolved")
		}
		r.opts.Metrics.RecordFinish(r.ctx, res.Reason, res.Source)
		if err := r.sink.Finish(i, res.Reason); err != nil {
			return err
		}
	}

	if r.opts.IncludeUsage && r.usage.EmitOnce(trigger) {
		if err := r.sink.Usage(r.usage.ResolveCounts()); err != nil {
			return err
		}
	}
	r.logUsage(trigger, "success")
	return r.sink.Done()
}

// fail ends the stream with a terminal failure.
func (r *Router) fail(cause error) error {
	if r.failed {
		return cause
	}
	r.failed = true
	r.done = true
	logrus.WithError(cause).Warn("[router] stream failed")
	r.logUsage("error", "error")
	if err := r.sink.Fail(cause); err != nil {
		logrus.WithError(err).Debug("[router] failed to write failure marker")
	}
	return cause
}

// abort stops after cancellation, writing only a best-effort terminal marker.
func (r *Router) abort(trigger string) {
	if r.done {
		return
	}
	r.done = true
	r.canceled.Store(true)
	r.logUsage(trigger, "canceled")
	if err := r.sink.Abort(); err != nil {
		logrus.WithError(err).Debug("[router] terminal marker not delivered")
	}
}

func (r *Router) logUsage(trigger, status string) {
	if !r.usage.LogOnce(trigger) {
		return
	}
	res := r.usage.ResolveCounts()
	_, total := r.usage.Timing()
	r.opts.Metrics.RecordUsage(r.ctx, otel.UsageOptions{
		Protocol:         r.opts.Protocol,
		OutputMode:       string(r.opts.OutputMode),
		Streamed:         r.opts.Streaming,
		Status:           status,
		PromptTokens:     res.Prompt,
		CompletionTokens: res.Completion,
		Provenance:       string(res.Provenance),
		LatencyMs:        total.Milliseconds(),
	})
}

func (r *Router) emit(pieces []Piece) error {
	for _, p := range pieces {
		var err error
		switch p.Kind {
		case PieceText:
			r.usage.AddVisibleText(p.Text)
			err = r.sink.Text(p.Choice, p.Text)
		case PieceToolDeltas:
			for _, d := range p.Deltas {
				r.usage.AddVisibleText(d.Name + d.Arguments)
			}
			err = r.sink.ToolCalls(p.Choice, p.Deltas)
		case PieceAbort:
			r.opts.Metrics.RecordToolBlockAbort(r.ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// activeChoices returns every choice that received content or calls, and
// choice 0 when none did.
func (r *Router) activeChoices() []int {
	seen := map[int]bool{}
	var out []int
	for _, i := range append(r.coord.Choices(), r.agg.Choices()...) {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return []int{0}
	}
	sort.Ints(out)
	return out
}

// tracker returns the finish tracker of a choice, creating it with every
// request-level signal seen so far.
func (r *Router) tracker(choice int) *finish.Tracker {
	if !toolcall.ValidChoice(choice) {
		choice = 0
	}
	if choice >= len(r.finishers) {
		grown := make([]*finish.Tracker, choice+1)
		copy(grown, r.finishers)
		r.finishers = grown
	}
	if r.finishers[choice] == nil {
		t := finish.NewTracker(r.opts.FallbackReason, r.onUnknownFinish)
		for _, sig := range r.requestReasons {
			t.Record(sig.raw, sig.source)
		}
		r.finishers[choice] = t
	}
	return r.finishers[choice]
}

// recordReason records a reason reported for one choice.
func (r *Router) recordReason(v gjson.Result, source string, choice int) {
	if v.Type != gjson.String || v.String() == "" {
		return
	}
	r.tracker(choice).Record(v.String(), source)
}

func (r *Router) recordRequestReason(v gjson.Result, source string) {
	if v.Type != gjson.String || v.String() == "" {
		return
	}
	r.recordRequest(v.String(), source)
}

// recordRequest records a request-level reason into every choice.
func (r *Router) recordRequest(raw, source string) {
	r.requestReasons = append(r.requestReasons, reasonSignal{raw: raw, source: source})
	for _, t := range r.finishers {
		if t != nil {
			t.Record(raw, source)
		}
	}
}

// onUnknownFinish reports each unrecognized value once per request, even
// when a request-level signal lands in several trackers.
func (r *Router) onUnknownFinish(raw, source string) {
	key := source + "|" + raw
	if r.unknownSeen == nil {
		r.unknownSeen = map[string]bool{}
	}
	if r.unknownSeen[key] {
		return
	}
	r.unknownSeen[key] = true
	r.opts.Once.Warn("finish.unknown."+strings.ToLower(raw), logrus.Fields{"value": raw, "source": source},
		"[router] unrecognized finish reason %q from %s", raw, source)
	r.opts.Metrics.RecordUnknownFinish(r.ctx, source)
}

func countsOf(u gjson.Result) token.Counts {
	return token.Counts{
		Prompt:     int(firstInt(u, "input_tokens", "prompt_tokens")),
		Completion: int(firstInt(u, "output_tokens", "completion_tokens")),
	}
}

// messageContent reads a string content or concatenates text parts.
func messageContent(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var sb strings.Builder
	for _, part := range v.Array() {
		if part.Type == gjson.String {
			sb.WriteString(part.String())
			continue
		}
		sb.WriteString(firstOf(part, "text", "output_text"))
	}
	return sb.String()
}

func firstOf(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if r := v.Get(k); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func firstInt(v gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r.Int()
		}
	}
	return 0
}
