package feed

import (
	"strconv"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/platekitchen/kds/internal/kds"
)

const subscriberBuffer = 100

// DisplayEvent is one frame of the snapshot-plus-incremental stream a
// display consumes.
type DisplayEvent struct {
	Kind    string             `json:"kind"` // snapshot, upsert, remove, status
	Entries []kds.RoutingEntry `json:"entries,omitempty"`
	Entry   *kds.RoutingEntry  `json:"entry,omitempty"`
	EntryID *kds.EntryID       `json:"entry_id,omitempty"`
	Feed    kds.FeedState      `json:"feed,omitempty"`
}

const (
	KindSnapshot = "snapshot"
	KindUpsert   = "upsert"
	KindRemove   = "remove"
	KindStatus   = "status"
)

// Subscription is one display's feed. Its channel is exclusively owned by
// that display connection.
type Subscription struct {
	ID     string
	Scope  Scope
	Events chan DisplayEvent
}

// Hub fans display events out to subscribed displays. Slow subscribers have
// events dropped rather than stalling the broadcast; a display that falls
// behind recovers on its next snapshot.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	logger      aqm.Logger
	seq         int
}

func NewHub(logger aqm.Logger) *Hub {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Hub{
		subscribers: make(map[string]*Subscription),
		logger:      logger,
	}
}

func (h *Hub) Subscribe(scope Scope) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	sub := &Subscription{
		ID:     time.Now().UTC().Format("20060102150405.000000") + "-" + strconv.Itoa(h.seq),
		Scope:  scope,
		Events: make(chan DisplayEvent, subscriberBuffer),
	}
	h.subscribers[sub.ID] = sub
	h.logger.Info("display subscribed", "subscriber_id", sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(sub.Events)
		h.logger.Info("display unsubscribed", "subscriber_id", id)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// BroadcastUpsert delivers a changed entry to every subscription whose scope
// it matches.
func (h *Hub) BroadcastUpsert(e *kds.RoutingEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.Scope.matches(e) {
			continue
		}
		clone := *e
		h.send(sub, DisplayEvent{Kind: KindUpsert, Entry: &clone})
	}
}

// BroadcastRemove tells displays an entry left their active scope. Scope
// filtering is impossible without the row, so every subscriber gets it;
// removing an unknown id is a no-op on the display side.
func (h *Hub) BroadcastRemove(id kds.EntryID) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		entryID := id
		h.send(sub, DisplayEvent{Kind: KindRemove, EntryID: &entryID})
	}
}

// BroadcastSnapshot resets every subscription with its scope's slice of a
// fresh full snapshot.
func (h *Hub) BroadcastSnapshot(entries []kds.RoutingEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		h.send(sub, DisplayEvent{Kind: KindSnapshot, Entries: sub.Scope.filter(entries)})
	}
}

// BroadcastStatus surfaces feed connection state so staff can tell when
// data may be stale.
func (h *Hub) BroadcastStatus(state kds.FeedState) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		h.send(sub, DisplayEvent{Kind: KindStatus, Feed: state})
	}
}

func (h *Hub) send(sub *Subscription, evt DisplayEvent) {
	select {
	case sub.Events <- evt:
	default:
		// Channel full, subscriber too slow - skip this event
		h.logger.Info("subscriber channel full, dropping event", "subscriber_id", sub.ID)
	}
}
