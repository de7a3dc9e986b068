// Package hub implements the Subscription Hub & fan-out (spec §4.5):
// per-(operator session, worker) subscriptions, a global wildcard sink,
// and best-effort, non-blocking delivery so a slow subscriber can never
// stall the others. Grounded directly on the teacher's
// pkg/events.Broker (subscriber map + buffered-channel fan-out via
// non-blocking select), generalized from silent-drop-everyone to
// counted-drop-per-subscriber and from broadcast-to-all to
// subscription-filtered delivery.
package hub

import (
	"sync"

	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// QueueCapacity is the bounded outbound queue size per subscriber
// (spec §5, recommended 256).
const QueueCapacity = 256

// Frame is one encoded wire event queued for delivery to a subscriber.
type Frame struct {
	Event    string
	WorkerID string
	Payload  []byte
}

// subscriber is one operator session's interest set plus its bounded
// outbound queue.
type subscriber struct {
	mu      sync.Mutex
	queue   chan Frame
	workers map[string]bool // explicit worker ids this session wants
	global  bool            // wildcard subscription
	dropped int
}

// Hub is the Subscription Hub.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber // operator session id -> subscriber
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Register creates a subscriber for sessionID, defaulting to the
// wildcard (global) subscription per spec §4.5, and returns the channel
// the ingress layer should drain and write to the socket.
func (h *Hub) Register(sessionID string) <-chan Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscriber{
		queue:   make(chan Frame, QueueCapacity),
		workers: make(map[string]bool),
		global:  true,
	}
	h.subs[sessionID] = sub
	metrics.HubSubscribersActive.Inc()
	return sub.queue
}

// Unregister drops sessionID's subscription entirely.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionID]; ok {
		delete(h.subs, sessionID)
		metrics.HubSubscribersActive.Dec()
	}
}

// Subscribe adds workerID to sessionID's interest set (spec
// worker:subscribe). Unknown worker ids are accepted; they simply never
// produce events.
func (h *Hub) Subscribe(sessionID, workerID string) {
	h.mu.RLock()
	sub, ok := h.subs[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if workerID == types.WildcardWorkerID {
		sub.mu.Lock()
		sub.global = true
		sub.mu.Unlock()
		return
	}
	sub.mu.Lock()
	sub.workers[workerID] = true
	sub.mu.Unlock()
}

// Unsubscribe removes workerID from sessionID's interest set (spec
// worker:unsubscribe).
func (h *Hub) Unsubscribe(sessionID, workerID string) {
	h.mu.RLock()
	sub, ok := h.subs[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if workerID == types.WildcardWorkerID {
		sub.mu.Lock()
		sub.global = false
		sub.mu.Unlock()
		return
	}
	sub.mu.Lock()
	delete(sub.workers, workerID)
	sub.mu.Unlock()
}

// Publish fans event out to every subscriber interested in workerID:
// those with the wildcard subscription, plus those explicitly
// subscribed to workerID. Delivery is at-most-once and non-blocking; an
// overflowing queue drops its oldest frame and increments that
// subscriber's dropped-events counter (spec §5, §8).
func (h *Hub) Publish(event, workerID string, payload interface{}) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return
	}
	frame := Frame{Event: event, WorkerID: workerID, Payload: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sessionID, sub := range h.subs {
		sub.mu.Lock()
		interested := sub.global || sub.workers[workerID]
		if interested {
			h.deliverLocked(sessionID, sub, frame)
		}
		sub.mu.Unlock()
	}
	metrics.HubEventsPublishedTotal.WithLabelValues(event).Inc()
}

// deliverLocked pushes frame onto sub's queue, dropping the oldest
// queued frame first if it is full. Caller holds sub.mu.
func (h *Hub) deliverLocked(sessionID string, sub *subscriber, frame Frame) {
	select {
	case sub.queue <- frame:
		return
	default:
	}

	select {
	case <-sub.queue:
		sub.dropped++
		metrics.HubEventsDroppedTotal.WithLabelValues(sessionID).Inc()
	default:
	}

	select {
	case sub.queue <- frame:
	default:
	}
}

// DroppedCount returns how many frames have been dropped for sessionID
// due to queue overflow.
func (h *Hub) DroppedCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[sessionID]
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}
