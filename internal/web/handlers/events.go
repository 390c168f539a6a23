package handlers

import (
	"sync"

	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/scanner"
)

// ScanEvent is one event streamed to event listeners.
type ScanEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	PassID  string          `json:"passId"`
	Done    int             `json:"done"`
	Total   int             `json:"total"`
	ImageID string          `json:"imageId"`
	Verdict scanner.Verdict `json:"verdict"`
}

// EventBroadcaster fans scanner events out to listeners.
type EventBroadcaster struct {
	listeners []chan ScanEvent
	mu        sync.RWMutex
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{}
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan ScanEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ScanEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan ScanEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event ScanEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Progress publishes scanner progress. It is meant for scanner.WithProgress.
func (b *EventBroadcaster) Progress(p scanner.Progress) {
	typ := "inspected"
	if p.Verdict.Block {
		typ = "blocked"
	}
	b.SendEvent(ScanEvent{
		Type: typ,
		Data: ProgressData{
			PassID:  p.PassID,
			Done:    p.Done,
			Total:   p.Total,
			ImageID: p.Image.ID,
			Verdict: p.Verdict,
		},
	})
}
