package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/platekitchen/kds/internal/kds"
)

// Synchronizer keeps the materialized view consistent with the store.
// Protocol: full snapshot on connect and after every reconnect, then
// incremental application. Raw change events carry identifiers only, so the
// affected row is re-fetched in its full joined representation before being
// applied; the partial payload may lack fields the displays need.
type Synchronizer struct {
	store  kds.EntryStore
	feed   kds.ChangeFeed
	view   *View
	hub    *Hub
	logger aqm.Logger

	mu    sync.RWMutex
	state kds.FeedState

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSynchronizer(store kds.EntryStore, feed kds.ChangeFeed, hub *Hub, logger aqm.Logger) *Synchronizer {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Synchronizer{
		store:  store,
		feed:   feed,
		view:   NewView(),
		hub:    hub,
		logger: logger,
		state:  kds.FeedConnecting,
		done:   make(chan struct{}),
	}
}

func (s *Synchronizer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// First snapshot before incremental application begins.
	if err := s.resync(ctx); err != nil {
		s.logger.Errorf("initial snapshot failed, view starts empty: %v", err)
	}

	go s.run(runCtx)
	return nil
}

func (s *Synchronizer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-s.feed.States():
			if !ok {
				return
			}
			s.setState(state)
			if state == kds.FeedConnected {
				// Events missed while the feed was down are lost;
				// re-snapshot before resuming incremental application.
				if err := s.resync(ctx); err != nil {
					s.logger.Errorf("resync after reconnect failed: %v", err)
				}
			}
		case change, ok := <-s.feed.Events():
			if !ok {
				return
			}
			s.applyChange(ctx, change)
		}
	}
}

// State reports the feed connection state displays surface to staff.
func (s *Synchronizer) State() kds.FeedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the scope's slice of the current view in display order.
func (s *Synchronizer) Snapshot(scope Scope) []kds.RoutingEntry {
	if scope.StationID != nil {
		return s.view.ByStation(*scope.StationID)
	}
	if scope.TableRef != nil {
		return s.view.ByTable(*scope.TableRef)
	}
	return s.view.All()
}

// View exposes the materialized view for in-process consumers (metrics).
func (s *Synchronizer) View() *View {
	return s.view
}

func (s *Synchronizer) setState(state kds.FeedState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.logger.Info("feed state changed", "state", string(state))
		s.hub.BroadcastStatus(state)
	}
}

func (s *Synchronizer) resync(ctx context.Context) error {
	open := true
	entries, err := s.store.ListEntries(ctx, kds.EntryFilter{Open: &open})
	if err != nil {
		return err
	}
	s.view.Replace(entries)
	s.hub.BroadcastSnapshot(entries)
	s.logger.Info("view resynced", "entries", len(entries))
	return nil
}

func (s *Synchronizer) applyChange(ctx context.Context, change kds.ChangeEvent) {
	if change.Op == kds.ChangeDelete {
		s.view.Remove(change.EntryID)
		s.hub.BroadcastRemove(change.EntryID)
		return
	}

	entry, err := s.store.FindEntry(ctx, change.EntryID)
	if err != nil {
		if errors.Is(err, kds.ErrNotFound) {
			s.view.Remove(change.EntryID)
			s.hub.BroadcastRemove(change.EntryID)
			return
		}
		s.logger.Errorf("cannot re-fetch changed entry %s: %v", change.EntryID, err)
		return
	}

	if !entry.Open() {
		s.view.Remove(entry.ID)
		s.hub.BroadcastRemove(entry.ID)
		return
	}

	s.view.Apply(entry)
	s.hub.BroadcastUpsert(entry)
}
