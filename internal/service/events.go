package service

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventType names a session event pushed to live subscribers.
type EventType string

const (
	EventStarted   EventType = "started"
	EventTimer     EventType = "timer"
	EventFlag      EventType = "flag"
	EventCompleted EventType = "completed"
)

// SessionEvent is one live update about a session.
type SessionEvent struct {
	Type             EventType             `json:"type"`
	SessionID        string                `json:"session_id"`
	RemainingSeconds int                   `json:"remaining_seconds,omitempty"`
	Flag             *model.ProctoringFlag `json:"flag,omitempty"`
	Trigger          model.Trigger         `json:"trigger,omitempty"`
	Result           *model.Result         `json:"result,omitempty"`
}

// EventHub fans session events out to in-process subscribers (WebSocket
// streams). Slow subscribers lose events instead of blocking the session.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan SessionEvent]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[chan SessionEvent]struct{})}
}

// Subscribe registers a buffered listener for one session. The returned func
// unsubscribes and closes the channel.
func (h *EventHub) Subscribe(sessionID string, buffer int) (<-chan SessionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SessionEvent, buffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan SessionEvent]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of its session without blocking.
func (h *EventHub) Publish(ev SessionEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
