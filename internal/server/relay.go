package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/agentboot"
	"github.com/tingly-dev/codex-relay/agentboot/events"
	"github.com/tingly-dev/codex-relay/internal/protocol"
	"github.com/tingly-dev/codex-relay/internal/protocol/nonstream"
	"github.com/tingly-dev/codex-relay/internal/protocol/stream"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolblock"
	"github.com/tingly-dev/codex-relay/internal/record"
	"github.com/tingly-dev/codex-relay/internal/server/middleware"
)

const (
	protocolChat      = "chat"
	protocolResponses = "responses"
)

// turn is one parsed client request ready to be relayed.
type turn struct {
	protocol     string
	model        string
	prompt       string
	stream       bool
	includeUsage bool
	maxTokens    int
	promptTokens int
}

// relay starts a backend turn and streams or collects its events into the
// client's wire format.
func (s *Server) relay(c *gin.Context, t turn) {
	cfg := s.Config()
	policy := cfg.PolicyFor(t.model)
	hc := protocol.NewHandleContext(c, t.model)
	start := time.Now()

	backend, err := s.boot.GetDefaultBackend()
	if err != nil {
		hc.SendError(http.StatusServiceUnavailable, err, "api_error", "backend_unavailable")
		return
	}

	ctx := c.Request.Context()
	requestID := c.GetString(middleware.RequestIDKey)
	src, err := backend.Start(ctx, agentboot.Request{
		Prompt:    t.prompt,
		Model:     t.model,
		SessionID: requestID,
	})
	if err != nil {
		logrus.WithError(err).Error("[server] failed to start backend turn")
		hc.SendError(http.StatusBadGateway, err, "api_error", "backend_unavailable")
		return
	}
	src = s.recorder.Load().Wrap(src, record.Meta{
		RequestID: requestID,
		Protocol:  t.protocol,
		Model:     t.model,
		Prompt:    t.prompt,
	})
	defer src.Close()

	matchers := toolblock.DefaultMatchers()
	if policy.ToolCallBlocks {
		matchers = append(matchers, toolblock.ToolCallMatcher{})
	}
	opts := stream.Options{
		OutputMode:     policy.Mode,
		StopAfterTools: policy.StopAfterTools,
		SuppressTail:   policy.SuppressTail,
		FallbackReason: policy.FallbackReason,
		IncludeUsage:   t.includeUsage,
		MaxTokens:      t.maxTokens,
		Model:          t.model,
		PromptTokens:   t.promptTokens,
		Protocol:       t.protocol,
		Streaming:      t.stream,
		Scanner:        toolblock.NewScanner(s.once, matchers...),
		Once:           s.once,
		Metrics:        s.metrics,
		Passthrough: func(env events.Envelope) {
			logrus.WithField("type", env.Type).Debug("[server] backend event not relayed")
		},
	}

	hc.WithOnStreamComplete(func() {
		logrus.WithFields(logrus.Fields{
			"protocol": t.protocol,
			"model":    t.model,
			"stream":   t.stream,
			"elapsed":  time.Since(start),
		}).Debug("[server] turn complete")
	})

	if !t.stream {
		collector := nonstream.NewCollector()
		opts.IncludeUsage = true
		router := stream.NewRouter(collector, opts)
		format := nonstream.FormatChat
		if t.protocol == protocolResponses {
			format = nonstream.FormatResponses
		}
		_ = nonstream.Handle(hc, router, collector, src, format)
		return
	}

	w := stream.NewSSEWriter(ctx, c.Writer)
	var sink stream.Sink
	if t.protocol == protocolResponses {
		sink = stream.NewResponsesAdapter(w, s.once)
	} else {
		sink = stream.NewChatSink(w)
	}
	router := stream.NewRouter(sink, opts)

	hc.WithOnStreamError(func(err error) {
		if errors.Is(err, stream.ErrCanceled) || protocol.IsContextCanceled(err) {
			logrus.Debug("[server] client disconnected mid-stream")
			return
		}
		logrus.WithError(err).Warn("[server] stream ended with error")
	})
	hc.SetupSSEHeaders()
	_ = hc.ProcessStream(func(ctx context.Context) (bool, error) {
		return router.Step(ctx, src)
	})
}
