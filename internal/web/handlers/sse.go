package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kozaktomas/face-blocker/internal/scanner"
)

// EventsHandler streams scan events via server-sent events.
type EventsHandler struct {
	events  *EventBroadcaster
	scanner *scanner.Scanner
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(events *EventBroadcaster, sc *scanner.Scanner) *EventsHandler {
	return &EventsHandler{events: events, scanner: sc}
}

// Stream sends the scanner status and then every scan event until the client
// disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	eventCh := h.events.AddListener()
	defer h.events.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "status", h.scanner.Status())

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

// setupSSEConnection sets up SSE headers. On failure it writes an error response
// and returns false.
func setupSSEConnection(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
