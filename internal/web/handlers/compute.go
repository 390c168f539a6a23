package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-blocker/internal/compute"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/scanner"
)

// ComputeHandler runs the resource probe.
type ComputeHandler struct {
	probe   *compute.Probe
	store   kvstore.Store
	scanner *scanner.Scanner
	log     *slog.Logger
}

// NewComputeHandler creates a new compute handler. probe may be nil when no
// detector is configured.
func NewComputeHandler(probe *compute.Probe, store kvstore.Store, sc *scanner.Scanner, log *slog.Logger) *ComputeHandler {
	return &ComputeHandler{probe: probe, store: store, scanner: sc, log: logger.OrNop(log)}
}

// ComputeResponse represents the result of a resource check
type ComputeResponse struct {
	Success      bool             `json:"success"`
	IsAdequate   bool             `json:"isAdequate"`
	AutoDisabled bool             `json:"autoDisabled"`
	Score        int              `json:"score"`
	Details      string           `json:"details,omitempty"`
	Metrics      *compute.Metrics `json:"metrics,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// recheck runs the probe and disables matching when the host cannot cope.
// The returned status is the HTTP status for the REST surface.
func (h *ComputeHandler) recheck(ctx context.Context) (int, ComputeResponse) {
	if h.probe == nil {
		return http.StatusServiceUnavailable, ComputeResponse{Error: "face detection not available"}
	}
	res, err := compute.Recheck(ctx, h.probe, h.store)
	if res.AutoDisabled {
		h.scanner.SetEnabled(false)
	}
	if err != nil {
		h.log.Error("failed to persist auto-disable", "error", err)
		return http.StatusInternalServerError, ComputeResponse{Error: "compute check failed: " + err.Error()}
	}
	return http.StatusOK, ComputeResponse{
		Success:      true,
		IsAdequate:   res.IsAdequate,
		AutoDisabled: res.AutoDisabled,
		Score:        res.Score,
		Details:      res.Details,
		Metrics:      &res.Metrics,
	}
}

// Check runs a resource check
func (h *ComputeHandler) Check(w http.ResponseWriter, r *http.Request) {
	status, resp := h.recheck(r.Context())
	respondJSON(w, status, resp)
}
