package monitor

import (
	"log/slog"
	"sync"
	"time"

	"voiceagent/models"
)

type EventType string

const (
	EventSnapshot    EventType = "snapshot"
	EventCallStarted EventType = "call_started"
	EventCallEnded   EventType = "call_ended"
)

// Event is one message on the live monitor feed.
type Event struct {
	Type   EventType           `json:"type"`
	At     time.Time           `json:"at"`
	Call   *models.ActiveCall  `json:"call,omitempty"`
	Active []models.ActiveCall `json:"active,omitempty"`
	Ended  *EndedCall          `json:"ended,omitempty"`
}

type EndedCall struct {
	CallSID       string                  `json:"call_sid"`
	Status        models.TranscriptStatus `json:"status"`
	EndReason     models.EndReason        `json:"end_reason"`
	ExchangeCount int                     `json:"exchange_count"`
	DurationMS    int64                   `json:"duration_ms"`
}

// Subscriber receives events until it is unsubscribed or dropped for
// falling behind, at which point Events is closed.
type Subscriber struct {
	Events chan Event
}

// Hub fans call lifecycle events out to live subscribers. Publishing never
// blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	logger *slog.Logger
	now    func() time.Time
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{Events: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.Events)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.Events <- evt:
		default:
			h.logger.Warn("monitor subscriber too slow, dropping", "event", evt.Type)
			delete(h.subs, sub)
			close(sub.Events)
		}
	}
}

func (h *Hub) CallStarted(call models.ActiveCall) {
	h.Publish(Event{Type: EventCallStarted, At: h.now(), Call: &call})
}

func (h *Hub) CallEnded(rec models.TranscriptRecord) {
	h.Publish(Event{
		Type: EventCallEnded,
		At:   h.now(),
		Ended: &EndedCall{
			CallSID:       rec.CallSID,
			Status:        rec.Status,
			EndReason:     rec.EndReason,
			ExchangeCount: len(rec.Exchanges),
			DurationMS:    rec.EndTime.Sub(rec.StartTime).Milliseconds(),
		},
	})
}

// SnapshotEvent wraps the current active calls as the first message of a stream.
func (h *Hub) SnapshotEvent(active []models.ActiveCall) Event {
	return Event{Type: EventSnapshot, At: h.now(), Active: active}
}
