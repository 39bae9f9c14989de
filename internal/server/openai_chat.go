package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/codex-relay/internal/protocol"
	"github.com/tingly-dev/codex-relay/internal/protocol/token"
)

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(c *gin.Context) {
	bodyBytes, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Failed to read request body: "+err.Error(), "invalid_request_error", ""))
		return
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Invalid request body: "+err.Error(), "invalid_request_error", ""))
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Model is required", "invalid_request_error", "missing_model"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("At least one message is required", "invalid_request_error", "missing_messages"))
		return
	}

	prompt := chatPrompt(bodyBytes)
	promptTokens, err := token.EstimateInputTokens(&req.ChatCompletionNewParams)
	if err != nil {
		logrus.WithError(err).Debug("[server] token estimate failed, using text estimate")
		promptTokens = token.EstimateFromText(prompt)
	}

	s.relay(c, turn{
		protocol:     protocolChat,
		model:        string(req.Model),
		prompt:       prompt,
		stream:       req.Stream,
		includeUsage: req.StreamOptions.IncludeUsage.Value,
		maxTokens:    req.TokenLimit(),
		promptTokens: promptTokens,
	})
}
