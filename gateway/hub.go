package gateway

import (
	"sync"

	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

// defaultSubscriberBuffer is the per-subscriber update backlog. Audio
// updates arrive at roughly ten per second, so this absorbs several
// seconds of stall before a subscriber counts as too slow.
const defaultSubscriberBuffer = 256

// Subscriber is one streaming consumer of a session's updates. Its
// channel closes when the subscriber unsubscribes, falls too far
// behind, or the session reaches a terminal state.
type Subscriber struct {
	sessionID string
	ch        chan engine.Update
}

// Updates returns the subscriber's delivery channel.
func (s *Subscriber) Updates() <-chan engine.Update {
	return s.ch
}

// SessionID returns the session this subscriber watches.
func (s *Subscriber) SessionID() string {
	return s.sessionID
}

// Hub fans each session's updates out to its streaming subscribers.
// Publish never blocks: a subscriber whose buffer is full is dropped
// on the spot, so a stalled SSE or WebSocket client can never back up
// into the engine's decode path.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub creates a hub. buffer sets the per-subscriber backlog;
// zero selects the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a consumer for one session's updates.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan engine.Update, h.buffer),
	}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.RecordSubscriberAdd()
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Calling it
// for an already-dropped subscriber is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	h.mu.Unlock()

	if removed {
		metrics.RecordSubscriberRemove()
	}
}

// removeLocked detaches sub and closes its channel if it is still
// registered. The channel is only ever closed here, under the hub
// mutex, after the subscriber has left the set, so Publish can no
// longer send to it.
func (h *Hub) removeLocked(sub *Subscriber) bool {
	set, ok := h.subs[sub.sessionID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
	return true
}

// Publish delivers one update to every subscriber of its session.
// A terminal status update additionally closes the session's
// remaining subscribers after delivery, ending their streams.
func (h *Hub) Publish(u engine.Update) {
	var dropped int

	h.mu.Lock()
	for sub := range h.subs[u.SessionID] {
		select {
		case sub.ch <- u:
		default:
			h.removeLocked(sub)
			dropped++
		}
	}
	if u.Type == engine.UpdateStatus && u.State.Terminal() {
		for sub := range h.subs[u.SessionID] {
			h.removeLocked(sub)
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		for i := 0; i < dropped; i++ {
			metrics.RecordSubscriberRemove()
		}
		if u.Type != engine.UpdateStatus {
			logger.Warn("dropped slow subscribers",
				"session_id", u.SessionID,
				"dropped", dropped)
		}
	}
}

// SubscriberCount reports the live subscribers for one session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
