package kds

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockEntryStore is an in-memory EntryStore for tests. Its default behavior
// mirrors the production store: conditional transitions that fail with
// *ConflictError when the entry is no longer in the expected state.
type MockEntryStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*Order
	entries  map[uuid.UUID]*RoutingEntry
	stations map[uuid.UUID]*Station

	CreateOrderFunc       func(ctx context.Context, o *Order, entries []*RoutingEntry) error
	ApplyTransitionFunc   func(ctx context.Context, id EntryID, t Transition) (*RoutingEntry, error)
	SettleOrderStatusFunc func(ctx context.Context, id OrderID) (*Order, OrderStatus, error)
	ListEntriesFunc       func(ctx context.Context, filter EntryFilter) ([]RoutingEntry, error)
}

func NewMockEntryStore() *MockEntryStore {
	return &MockEntryStore{
		orders:   make(map[uuid.UUID]*Order),
		entries:  make(map[uuid.UUID]*RoutingEntry),
		stations: make(map[uuid.UUID]*Station),
	}
}

func (m *MockEntryStore) CreateOrder(ctx context.Context, o *Order, entries []*RoutingEntry) error {
	if m.CreateOrderFunc != nil {
		return m.CreateOrderFunc(ctx, o, entries)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	for _, e := range entries {
		clone := *e
		m.entries[e.ID] = &clone
	}
	return nil
}

func (m *MockEntryStore) FindOrder(ctx context.Context, id OrderID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *o
	return &clone, nil
}

func (m *MockEntryStore) FindEntry(ctx context.Context, id EntryID) (*RoutingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findEntryLocked(id)
}

func (m *MockEntryStore) findEntryLocked(id EntryID) (*RoutingEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (m *MockEntryStore) ListEntries(ctx context.Context, filter EntryFilter) ([]RoutingEntry, error) {
	if m.ListEntriesFunc != nil {
		return m.ListEntriesFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RoutingEntry
	for _, e := range m.entries {
		if filter.StationID != nil && e.StationID != *filter.StationID {
			continue
		}
		if filter.OrderID != nil && e.OrderID != *filter.OrderID {
			continue
		}
		if filter.TableRef != nil && e.TableRef != *filter.TableRef {
			continue
		}
		if filter.Open != nil && e.Open() != *filter.Open {
			continue
		}
		if filter.Since != nil && e.RoutedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (m *MockEntryStore) ApplyTransition(ctx context.Context, id EntryID, t Transition) (*RoutingEntry, error) {
	if m.ApplyTransitionFunc != nil {
		return m.ApplyTransitionFunc(ctx, id, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.State() != t.Expected {
		return nil, &ConflictError{Entry: id, Expected: t.Expected, Current: e.State()}
	}

	at := t.At
	switch t.Type {
	case TransitionStart:
		e.StartedAt = &at
	case TransitionBump:
		e.CompletedAt = &at
		e.BumpedBy = t.Actor
	case TransitionRecall:
		e.CompletedAt = nil
		e.BumpedBy = nil
		if e.StartedAt == nil {
			e.StartedAt = &at
		}
		e.RecallCount++
		if t.Note != "" {
			if e.Notes == "" {
				e.Notes = t.Note
			} else {
				e.Notes = e.Notes + "; " + t.Note
			}
		}
	case TransitionPriority:
		e.Priority = *t.Priority
	case TransitionCancel:
		e.CancelledAt = &at
	}

	return m.findEntryLocked(id)
}

func (m *MockEntryStore) SettleOrderStatus(ctx context.Context, id OrderID) (*Order, OrderStatus, error) {
	if m.SettleOrderStatusFunc != nil {
		return m.SettleOrderStatusFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, "", ErrNotFound
	}
	previous := o.Status

	var total, open, completed, cancelled int
	for _, e := range m.entries {
		if e.OrderID != id {
			continue
		}
		total++
		switch e.State() {
		case EntryCompleted:
			completed++
		case EntryCancelled:
			cancelled++
		default:
			open++
		}
	}

	switch {
	case total == 0:
	case open > 0:
		o.Status = OrderInProgress
	case completed == total:
		o.Status = OrderReady
	case cancelled == total:
		o.Status = OrderCancelled
	default:
		o.Status = OrderInProgress
	}
	o.UpdatedAt = time.Now().UTC()

	clone := *o
	return &clone, previous, nil
}

func (m *MockEntryStore) ListStations(ctx context.Context) ([]Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, *s)
	}
	return out, nil
}

func (m *MockEntryStore) FindStation(ctx context.Context, id StationID) (*Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MockEntryStore) SaveStation(ctx context.Context, s *Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.stations[s.ID] = &clone
	return nil
}

// MockPublisher records published events for assertions.
type MockPublisher struct {
	mu          sync.Mutex
	published   []PublishedEvent
	PublishFunc func(ctx context.Context, topic string, data []byte) error
}

type PublishedEvent struct {
	Topic string
	Data  []byte
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, PublishedEvent{Topic: topic, Data: data})
	return nil
}

func (m *MockPublisher) Published() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedEvent(nil), m.published...)
}

func (m *MockPublisher) PublishedTo(topic string) []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedEvent
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}
