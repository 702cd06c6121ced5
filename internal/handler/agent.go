package handler

import (
	"context"
	"net/http"

	"github.com/tilli/master-agent/internal/middleware"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
)

// Asker is satisfied by *service.Pipeline.
type Asker interface {
	Ask(ctx context.Context, credential string, req models.AskRequest) (*models.AskResponse, error)
	Chat(ctx context.Context, credential string, req models.ChatRequest) (*models.ChatResponse, error)
}

// AgentHandler serves the educator-facing question endpoints.
type AgentHandler struct {
	pipeline Asker
}

func NewAgentHandler(pipeline Asker) *AgentHandler {
	return &AgentHandler{pipeline: pipeline}
}

// Ask handles POST /ask.
func (h *AgentHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", service.MsgInvalidInput)
		return
	}
	resp, err := h.pipeline.Ask(r.Context(), middleware.BearerToken(r), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Chat handles POST /chat.
func (h *AgentHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", service.MsgInvalidInput)
		return
	}
	resp, err := h.pipeline.Chat(r.Context(), middleware.BearerToken(r), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
