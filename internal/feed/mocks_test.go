package feed

import (
	"context"
	"sync"

	"github.com/platekitchen/kds/internal/kds"
)

// fakeStore serves the two reads the synchronizer performs: open-entry
// snapshots and single-entry re-fetches.
type fakeStore struct {
	mu      sync.Mutex
	entries map[kds.EntryID]kds.RoutingEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[kds.EntryID]kds.RoutingEntry)}
}

func (f *fakeStore) put(e kds.RoutingEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = e
}

func (f *fakeStore) delete(id kds.EntryID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}

func (f *fakeStore) ListEntries(ctx context.Context, filter kds.EntryFilter) ([]kds.RoutingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kds.RoutingEntry
	for _, e := range f.entries {
		if filter.Open != nil && e.Open() != *filter.Open {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) FindEntry(ctx context.Context, id kds.EntryID) (*kds.RoutingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, kds.ErrNotFound
	}
	clone := e
	return &clone, nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, o *kds.Order, entries []*kds.RoutingEntry) error {
	return nil
}

func (f *fakeStore) FindOrder(ctx context.Context, id kds.OrderID) (*kds.Order, error) {
	return nil, kds.ErrNotFound
}

func (f *fakeStore) ApplyTransition(ctx context.Context, id kds.EntryID, t kds.Transition) (*kds.RoutingEntry, error) {
	return nil, kds.ErrNotFound
}

func (f *fakeStore) SettleOrderStatus(ctx context.Context, id kds.OrderID) (*kds.Order, kds.OrderStatus, error) {
	return nil, "", kds.ErrNotFound
}

func (f *fakeStore) ListStations(ctx context.Context) ([]kds.Station, error) {
	return nil, nil
}

func (f *fakeStore) FindStation(ctx context.Context, id kds.StationID) (*kds.Station, error) {
	return nil, kds.ErrNotFound
}

func (f *fakeStore) SaveStation(ctx context.Context, s *kds.Station) error {
	return nil
}

// fakeFeed is a hand-driven change feed.
type fakeFeed struct {
	events chan kds.ChangeEvent
	states chan kds.FeedState
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan kds.ChangeEvent, 16),
		states: make(chan kds.FeedState, 16),
	}
}

func (f *fakeFeed) Events() <-chan kds.ChangeEvent { return f.events }
func (f *fakeFeed) States() <-chan kds.FeedState   { return f.states }
