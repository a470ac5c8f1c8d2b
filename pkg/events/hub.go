package events

import (
	"sync"

	"github.com/netraven/netraven/pkg/types"
)

// Subscriber is a channel that receives job log entries
type Subscriber chan *types.JobLogEntry

// Hub fans job log entries out to live subscribers. Delivery is best
// effort: a subscriber whose buffer is full misses entries rather than
// stalling the publisher. The durable record in storage is authoritative.
type Hub struct {
	subscribers map[Subscriber]string // value is the run id filter, "" = all
	mu          sync.RWMutex
	entryCh     chan *types.JobLogEntry
	stopCh      chan struct{}
}

// NewHub creates a new log hub
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[Subscriber]string),
		entryCh:     make(chan *types.JobLogEntry, 100), // Buffer up to 100 entries
		stopCh:      make(chan struct{}),
	}
}

// Start begins the hub's distribution loop
func (h *Hub) Start() {
	go h.run()
}

// Stop stops the hub
func (h *Hub) Stop() {
	close(h.stopCh)
}

// Subscribe creates a subscription. A non-empty runID limits delivery to
// that job run; an empty runID receives everything.
func (h *Hub) Subscribe(runID string) Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	h.subscribers[sub] = runID
	return sub
}

// Unsubscribe removes a subscription
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub)
}

// Publish hands an entry to the distribution loop
func (h *Hub) Publish(entry *types.JobLogEntry) {
	select {
	case h.entryCh <- entry:
	case <-h.stopCh:
	}
}

func (h *Hub) run() {
	for {
		select {
		case entry := <-h.entryCh:
			h.broadcast(entry)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) broadcast(entry *types.JobLogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub, filter := range h.subscribers {
		if filter != "" && filter != entry.JobRunID {
			continue
		}
		select {
		case sub <- entry:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
