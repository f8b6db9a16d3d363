// Package hub is the subscription registry for WebSocket clients: it maps
// each client to at most one view and fans frame events out to every client
// subscribed to the frame's view.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscriber is one connected client. Send carries marshaled messages; the
// owning connection drains it with a write pump.
type Subscriber struct {
	send chan []byte
}

// NewSubscriber creates a subscriber with the given send-queue depth.
func NewSubscriber(queue int) *Subscriber {
	if queue < 1 {
		queue = 1
	}
	return &Subscriber{send: make(chan []byte, queue)}
}

// Send returns the subscriber's outbound channel for the write pump.
func (s *Subscriber) Send() <-chan []byte {
	return s.send
}

// Enqueue queues one message for the subscriber, dropping it if the queue
// is full.
func (s *Subscriber) Enqueue(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Hub tracks which subscriber watches which view. A subscriber watches at
// most one view at a time; subscribing to a new view replaces the old one.
type Hub struct {
	mu     sync.Mutex
	byView map[string]map[*Subscriber]struct{}
	viewOf map[*Subscriber]string
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		byView: make(map[string]map[*Subscriber]struct{}),
		viewOf: make(map[*Subscriber]string),
	}
}

// Subscribe binds the subscriber to a view, detaching it from any prior
// view. It returns the prior view id and whether there was one.
func (h *Hub) Subscribe(sub *Subscriber, viewID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prior, had := h.viewOf[sub]
	if had && prior == viewID {
		return prior, true
	}
	if had {
		h.detachLocked(sub, prior)
	}
	if h.byView[viewID] == nil {
		h.byView[viewID] = make(map[*Subscriber]struct{})
	}
	h.byView[viewID][sub] = struct{}{}
	h.viewOf[sub] = viewID
	return prior, had
}

// Unsubscribe detaches the subscriber from its view, if any, returning the
// view id it was watching.
func (h *Hub) Unsubscribe(sub *Subscriber) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewID, ok := h.viewOf[sub]
	if !ok {
		return "", false
	}
	h.detachLocked(sub, viewID)
	return viewID, true
}

func (h *Hub) detachLocked(sub *Subscriber, viewID string) {
	delete(h.viewOf, sub)
	if set, ok := h.byView[viewID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byView, viewID)
		}
	}
}

// ViewOf returns the view the subscriber currently watches.
func (h *Hub) ViewOf(sub *Subscriber) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewID, ok := h.viewOf[sub]
	return viewID, ok
}

// Count returns the number of subscribers watching a view.
func (h *Hub) Count(viewID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byView[viewID])
}

// Broadcast queues a message for every subscriber of the view. Subscribers
// whose queues are full are skipped; slow consumers never block publishing.
func (h *Hub) Broadcast(viewID string, msg []byte) int {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.byView[viewID]))
	for sub := range h.byView[viewID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	sent := 0
	for _, sub := range subs {
		select {
		case sub.send <- msg:
			sent++
		default:
			log.Debug().Str("view", viewID).Msg("Dropping frame event for slow subscriber")
		}
	}
	return sent
}
