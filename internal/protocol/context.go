package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StepFunc advances a response by one backend line. It returns false when
// the response is complete.
type StepFunc func(ctx context.Context) (bool, error)

// HandleContext carries what a handler needs to drive one response.
type HandleContext struct {
	GinContext *gin.Context

	ResponseModel string

	// Hooks (chainable, called in order)
	OnStreamCompleteHooks []func()
	OnStreamErrorHooks    []func(err error)
}

// NewHandleContext creates a HandleContext for c.
func NewHandleContext(c *gin.Context, responseModel string) *HandleContext {
	return &HandleContext{
		GinContext:    c,
		ResponseModel: responseModel,
	}
}

// WithOnStreamComplete adds a hook called when the response completes.
func (hc *HandleContext) WithOnStreamComplete(hook func()) *HandleContext {
	hc.OnStreamCompleteHooks = append(hc.OnStreamCompleteHooks, hook)
	return hc
}

// WithOnStreamError adds a hook called when the response ends with an error.
func (hc *HandleContext) WithOnStreamError(hook func(error)) *HandleContext {
	hc.OnStreamErrorHooks = append(hc.OnStreamErrorHooks, hook)
	return hc
}

// SetupSSEHeaders sets the standard SSE headers.
func (hc *HandleContext) SetupSSEHeaders() {
	c := hc.GinContext
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// ProcessStream calls step inside gin's stream loop until it reports
// completion, fails, or the client goes away.
func (hc *HandleContext) ProcessStream(step StepFunc) error {
	c := hc.GinContext

	if _, ok := c.Writer.(http.Flusher); !ok {
		hc.SendError(http.StatusInternalServerError, errors.New("streaming not supported by this connection"), "api_error", "streaming_unsupported")
		return fmt.Errorf("streaming not supported")
	}

	ctx := c.Request.Context()
	var processErr error
	c.Stream(func(w io.Writer) bool {
		cont, err := step(ctx)
		if err != nil {
			processErr = err
			return false
		}
		return cont
	})

	if processErr != nil {
		for _, hook := range hc.OnStreamErrorHooks {
			hook(processErr)
		}
		return processErr
	}
	hc.CallOnStreamComplete()
	return nil
}

// CallOnStreamComplete calls all OnStreamComplete hooks. Non-streaming
// handlers use it directly.
func (hc *HandleContext) CallOnStreamComplete() {
	for _, hook := range hc.OnStreamCompleteHooks {
		hook()
	}
}

// SendError writes an OpenAI-style error body.
func (hc *HandleContext) SendError(status int, err error, errorType, code string) {
	hc.GinContext.JSON(status, NewErrorResponse(err.Error(), errorType, code))
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(message, errorType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errorType, Code: code}}
}

// IsContextCanceled checks if the error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
