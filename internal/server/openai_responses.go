package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/codex-relay/internal/protocol"
	"github.com/tingly-dev/codex-relay/internal/protocol/token"
)

// ResponsesCreate handles POST /v1/responses.
func (s *Server) ResponsesCreate(c *gin.Context) {
	bodyBytes, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Failed to read request body: "+err.Error(), "invalid_request_error", ""))
		return
	}

	var req ResponseCreateRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Invalid request body: "+err.Error(), "invalid_request_error", ""))
		return
	}
	if string(req.Model) == "" {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Model is required", "invalid_request_error", "missing_model"))
		return
	}

	prompt := responsesPrompt(bodyBytes)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("Input is required", "invalid_request_error", "missing_input"))
		return
	}

	s.relay(c, turn{
		protocol: protocolResponses,
		model:    string(req.Model),
		prompt:   prompt,
		stream:   req.Stream,
		// Responses always reports usage on the completed event.
		includeUsage: true,
		maxTokens:    int(req.MaxOutputTokens.Value),
		promptTokens: token.CountText(prompt),
	})
}
