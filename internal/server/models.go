package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ModelEntry is one entry in the models list.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the GET /v1/models body.
type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

const defaultModelID = "codex"

// ListModels lists the default model plus every model rule pattern that names
// a single model.
func (s *Server) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	ids := []string{defaultModelID}
	seen := map[string]bool{defaultModelID: true}
	for _, rule := range s.Config().ModelRules {
		if strings.ContainsAny(rule.Pattern, "*?[{") || seen[rule.Pattern] {
			continue
		}
		seen[rule.Pattern] = true
		ids = append(ids, rule.Pattern)
	}

	resp := ModelsResponse{Object: "list"}
	for _, id := range ids {
		resp.Data = append(resp.Data, ModelEntry{ID: id, Object: "model", Created: created, OwnedBy: "codex-relay"})
	}
	c.JSON(http.StatusOK, resp)
}

// Health reports liveness and the active backend.
func (s *Server) Health(c *gin.Context) {
	cfg := s.Config()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  s.version,
		"backend":  cfg.Backend.Type.String(),
		"backends": s.boot.ListBackends(),
	})
}
