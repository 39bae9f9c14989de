package nonstream

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/internal/protocol"
	"github.com/tingly-dev/codex-relay/internal/protocol/stream"
)

// Format selects the JSON body written by Handle.
type Format int

const (
	FormatChat Format = iota
	FormatResponses
)

// Handle runs the router to completion against a Collector and writes the
// aggregated body. The router must have been created with collector as its sink.
func Handle(hc *protocol.HandleContext, router *stream.Router, collector *Collector, src stream.LineSource, format Format) error {
	c := hc.GinContext
	if err := router.Run(c.Request.Context(), src); err != nil {
		if protocol.IsContextCanceled(err) || errors.Is(err, stream.ErrCanceled) {
			logrus.Debug("[nonstream] client went away before completion")
			return err
		}
		hc.SendError(http.StatusBadGateway, err, "api_error", "backend_failed")
		return err
	}
	if err := collector.Err(); err != nil {
		hc.SendError(http.StatusBadGateway, err, "api_error", "backend_failed")
		return err
	}

	if format == FormatResponses {
		c.JSON(http.StatusOK, Response(collector))
	} else {
		c.JSON(http.StatusOK, ChatCompletion(collector))
	}
	hc.CallOnStreamComplete()
	return nil
}
