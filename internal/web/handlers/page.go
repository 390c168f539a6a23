package handlers

import (
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/page"
)

// PageHandler exposes the scanned document and accepts added content.
type PageHandler struct {
	page *page.Document
	log  *slog.Logger
}

// NewPageHandler creates a new page handler
func NewPageHandler(pg *page.Document, log *slog.Logger) *PageHandler {
	return &PageHandler{page: pg, log: logger.OrNop(log)}
}

// PageResponse represents the current page state
type PageResponse struct {
	URL          string       `json:"url,omitempty"`
	Images       []page.Image `json:"images"`
	Blocked      int          `json:"blocked"`
	Placeholders []string     `json:"placeholders"`
	HTML         string       `json:"html"`
}

// NodesRequest represents content appended to the page
type NodesRequest struct {
	Selector string `json:"selector"`
	HTML     string `json:"html"`
}

// Get returns the current page
func (h *PageHandler) Get(w http.ResponseWriter, r *http.Request) {
	html, err := h.page.HTML()
	if err != nil {
		h.log.Error("failed to render page", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to render page")
		return
	}

	images := h.page.Images()
	if images == nil {
		images = []page.Image{}
	}
	placeholders := h.page.Placeholders()
	if placeholders == nil {
		placeholders = []string{}
	}
	respondJSON(w, http.StatusOK, PageResponse{
		URL:          h.page.URL(),
		Images:       images,
		Blocked:      h.page.Blocked(),
		Placeholders: placeholders,
		HTML:         html,
	})
}

// AppendNodes appends an HTML fragment and returns the resulting mutation batch
func (h *PageHandler) AppendNodes(w http.ResponseWriter, r *http.Request) {
	var req NodesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.HTML == "" {
		respondError(w, http.StatusBadRequest, "html is required")
		return
	}

	batch, err := h.page.AppendHTML(req.Selector, req.HTML)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if batch.AddedImageIDs == nil {
		batch.AddedImageIDs = []string{}
	}
	h.log.Debug("nodes appended", "selector", sanitizeForLog(req.Selector), "nodes", batch.AddedNodes, "images", len(batch.AddedImageIDs))
	respondJSON(w, http.StatusCreated, batch)
}
