package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeNotifyRecorder adds the CloseNotifier gin's stream loop expects.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func newStreamContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(closeNotifyRecorder{rec})
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	return c, rec
}

func TestNewHandleContext(t *testing.T) {
	c, _ := newStreamContext(t)
	hc := NewHandleContext(c, "test-model")

	assert.Equal(t, c, hc.GinContext)
	assert.Equal(t, "test-model", hc.ResponseModel)
	assert.Empty(t, hc.OnStreamCompleteHooks)
	assert.Empty(t, hc.OnStreamErrorHooks)
}

func TestSetupSSEHeaders(t *testing.T) {
	c, _ := newStreamContext(t)
	NewHandleContext(c, "m").SetupSSEHeaders()

	h := c.Writer.Header()
	assert.Equal(t, "text/event-stream; charset=utf-8", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", h.Get("Connection"))
}

func TestProcessStream_Success(t *testing.T) {
	c, rec := newStreamContext(t)
	hc := NewHandleContext(c, "m")

	var order []string
	hc.WithOnStreamComplete(func() { order = append(order, "complete") }).
		WithOnStreamError(func(error) { order = append(order, "error") })

	steps := 0
	err := hc.ProcessStream(func(ctx context.Context) (bool, error) {
		steps++
		_, werr := fmt.Fprintf(c.Writer, "data: %d\n\n", steps)
		require.NoError(t, werr)
		return steps < 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	assert.Equal(t, "data: 1\n\ndata: 2\n\ndata: 3\n\n", rec.Body.String())
	assert.Equal(t, []string{"complete"}, order)
}

func TestProcessStream_StepError(t *testing.T) {
	c, _ := newStreamContext(t)
	hc := NewHandleContext(c, "m")

	stepErr := errors.New("backend gone")
	var got error
	completed := false
	hc.WithOnStreamError(func(err error) { got = err }).
		WithOnStreamComplete(func() { completed = true })

	err := hc.ProcessStream(func(context.Context) (bool, error) { return false, stepErr })

	assert.Equal(t, stepErr, err)
	assert.Equal(t, stepErr, got)
	assert.False(t, completed)
}

func TestCallOnStreamComplete(t *testing.T) {
	c, _ := newStreamContext(t)
	hc := NewHandleContext(c, "m")

	var calls []int
	hc.WithOnStreamComplete(func() { calls = append(calls, 1) }).
		WithOnStreamComplete(func() { calls = append(calls, 2) })
	hc.CallOnStreamComplete()

	assert.Equal(t, []int{1, 2}, calls)
}

func TestSendError(t *testing.T) {
	c, rec := newStreamContext(t)
	NewHandleContext(c, "m").SendError(http.StatusBadRequest, errors.New("messages is required"), "invalid_request_error", "missing_messages")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"messages is required","type":"invalid_request_error","code":"missing_messages"}}`, rec.Body.String())
}

func TestNewErrorResponse_OmitsEmptyCode(t *testing.T) {
	resp := NewErrorResponse("boom", "api_error", "")
	assert.Equal(t, "boom", resp.Error.Message)
	assert.Empty(t, resp.Error.Code)
}

func TestIsContextCanceled(t *testing.T) {
	assert.True(t, IsContextCanceled(context.Canceled))
	assert.True(t, IsContextCanceled(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsContextCanceled(errors.New("other")))
	assert.False(t, IsContextCanceled(nil))
}
