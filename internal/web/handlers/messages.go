package handlers

import (
	"net/http"
)

// Message actions understood by the message endpoint.
const (
	ActionPing           = "ping"
	ActionGetStatus      = "getStatus"
	ActionToggleBlocking = "toggleBlocking"
	ActionRecheckCompute = "recheckCompute"
)

// MessagesHandler serves the request/response message protocol used by the
// extension surfaces. It delegates to the REST handlers.
type MessagesHandler struct {
	status  *StatusHandler
	compute *ComputeHandler
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(status *StatusHandler, compute *ComputeHandler) *MessagesHandler {
	return &MessagesHandler{status: status, compute: compute}
}

// MessageRequest represents one message
type MessageRequest struct {
	Action  string `json:"action"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Handle dispatches a message by action
func (h *MessagesHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	switch req.Action {
	case ActionPing:
		respondJSON(w, http.StatusOK, map[string]bool{"pong": true})

	case ActionGetStatus:
		respondJSON(w, http.StatusOK, h.status.status(r.Context()))

	case ActionToggleBlocking:
		if req.Enabled == nil {
			respondError(w, http.StatusBadRequest, "enabled is required")
			return
		}
		if err := h.status.toggle(r.Context(), *req.Enabled); err != nil {
			h.status.log.Error("failed to toggle blocking", "error", err)
			respondJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "failed to save blocking flag"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})

	case ActionRecheckCompute:
		// Failures are reported in the body like the other message responses.
		_, resp := h.compute.recheck(r.Context())
		respondJSON(w, http.StatusOK, resp)

	default:
		respondError(w, http.StatusBadRequest, "unknown action: "+sanitizeForLog(req.Action))
	}
}
