package handlers

import (
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/logger"
)

// CacheHandler exposes result cache statistics and clearing.
type CacheHandler struct {
	cache *imagecache.Cache
	log   *slog.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(cache *imagecache.Cache, log *slog.Logger) *CacheHandler {
	return &CacheHandler{cache: cache, log: logger.OrNop(log)}
}

// Stats returns cache statistics
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		h.log.Error("failed to read cache stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Clear empties the cache
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		h.log.Error("failed to clear cache", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
