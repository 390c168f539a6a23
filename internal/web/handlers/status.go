package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/scanner"
	"github.com/kozaktomas/face-blocker/internal/settings"
)

// StatusHandler reports and toggles the blocking state.
type StatusHandler struct {
	store    kvstore.Store
	scanner  *scanner.Scanner
	page     *page.Document
	model    *facematch.ModelHandle
	defaults config.SettingsDefaults
	log      *slog.Logger
}

// NewStatusHandler creates a new status handler. model may be nil.
func NewStatusHandler(store kvstore.Store, sc *scanner.Scanner, pg *page.Document, model *facematch.ModelHandle, defaults config.SettingsDefaults, log *slog.Logger) *StatusHandler {
	return &StatusHandler{
		store:    store,
		scanner:  sc,
		page:     pg,
		model:    model,
		defaults: defaults,
		log:      logger.OrNop(log),
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	Enabled     bool              `json:"enabled"`
	URL         string            `json:"url,omitempty"`
	ModelLoaded bool              `json:"modelLoaded"`
	Blocked     int               `json:"blocked"`
	Settings    settings.Settings `json:"settings"`
	Scanner     scanner.Status    `json:"scanner"`
}

// BlockingRequest represents a request to toggle blocking
type BlockingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *StatusHandler) status(ctx context.Context) StatusResponse {
	st, err := settings.Load(ctx, h.store, h.defaults)
	if err != nil {
		h.log.Warn("failed to load settings", "error", err)
	}
	resp := StatusResponse{
		Enabled:  st.BlockingEnabled,
		Settings: st,
		Scanner:  h.scanner.Status(),
	}
	if h.page != nil {
		resp.URL = h.page.URL()
		resp.Blocked = h.page.Blocked()
	}
	if h.model != nil {
		resp.ModelLoaded = h.model.Loaded()
	}
	return resp
}

// toggle persists the flag. Disabling also stops the running pass before its next
// image; enabling starts a pass through the store change feed.
func (h *StatusHandler) toggle(ctx context.Context, enabled bool) error {
	if err := settings.SetBlockingEnabled(ctx, h.store, enabled); err != nil {
		return err
	}
	if !enabled {
		h.scanner.SetEnabled(false)
	}
	h.log.Info("blocking toggled", "enabled", enabled)
	return nil
}

// Get returns the current status
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status(r.Context()))
}

// SetBlocking enables or disables blocking
func (h *StatusHandler) SetBlocking(w http.ResponseWriter, r *http.Request) {
	var req BlockingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.toggle(r.Context(), *req.Enabled); err != nil {
		h.log.Error("failed to toggle blocking", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save blocking flag")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true, "enabled": *req.Enabled})
}
