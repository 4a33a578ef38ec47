// Package notify fans extraction progress and list changes out to whatever
// surfaces are listening (the HTTP stream, the CLI).
package notify

import (
	"sync"
	"time"

	appLog "ezcal/internal/log"
)

// Type names a notification.
type Type string

const (
	ExtractionStarted Type = "extraction_started"
	EventsExtracted   Type = "events_extracted"
	NoEventsFound     Type = "no_events_found"
	ExtractionFailed  Type = "extraction_failed"
	StateChanged      Type = "state_changed"
	EventsChanged     Type = "events_changed"
)

// Message is one notification. Count is set for EventsExtracted and
// EventsChanged, Error for ExtractionFailed.
type Message struct {
	Type  Type      `json:"type"`
	TabID string    `json:"tabId,omitempty"`
	URL   string    `json:"url,omitempty"`
	Count int       `json:"count,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Message)
}

const subscriberBuffer = 32

// Hub delivers each published message to every subscriber. Delivery is
// best-effort: a subscriber whose buffer is full misses the message, and
// publishing never blocks.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Message]struct{})}
}

func (h *Hub) Publish(m Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- m:
		default:
			appLog.Debug("notification dropped", "type", m.Type)
		}
	}
}

// Subscribe returns a channel of messages and a func that unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
