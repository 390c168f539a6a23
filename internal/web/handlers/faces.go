package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/logger"
)

// FacesHandler lists and removes reference faces.
type FacesHandler struct {
	refs database.ReferenceWriter
	log  *slog.Logger
}

// NewFacesHandler creates a new faces handler
func NewFacesHandler(refs database.ReferenceWriter, log *slog.Logger) *FacesHandler {
	return &FacesHandler{refs: refs, log: logger.OrNop(log)}
}

// FaceResponse is a reference face without its image payload
type FaceResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Size          int       `json:"size,omitempty"`
	CreatedAt     time.Time `json:"uploadDate"`
	HasDescriptor bool      `json:"hasDescriptor"`
}

// List returns all reference faces in stored order
func (h *FacesHandler) List(w http.ResponseWriter, r *http.Request) {
	faces, err := h.refs.List(r.Context())
	if err != nil {
		h.log.Error("failed to list reference faces", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list reference faces")
		return
	}

	result := make([]FaceResponse, len(faces))
	for i, f := range faces {
		result[i] = FaceResponse{
			ID:            f.ID,
			Name:          f.Name,
			Size:          f.Size,
			CreatedAt:     f.CreatedAt,
			HasDescriptor: f.HasDescriptor(),
		}
	}
	respondJSON(w, http.StatusOK, result)
}

// Delete removes one reference face
func (h *FacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing face ID")
		return
	}

	if err := h.refs.Remove(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrFaceNotFound) {
			respondError(w, http.StatusNotFound, "face not found")
			return
		}
		h.log.Error("failed to remove reference face", "id", sanitizeForLog(id), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to remove reference face")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
