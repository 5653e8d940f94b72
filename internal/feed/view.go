package feed

import (
	"sync"

	"github.com/platekitchen/kds/internal/kds"
)

// View is a materialized view of open routing entries, indexed by station
// for display queries. It is owned by the synchronizer that maintains it and
// is never shared across feed connections; readers get copies.
type View struct {
	mu        sync.RWMutex
	entries   map[kds.EntryID]*kds.RoutingEntry
	byStation map[kds.StationID][]kds.EntryID
}

func NewView() *View {
	return &View{
		entries:   make(map[kds.EntryID]*kds.RoutingEntry),
		byStation: make(map[kds.StationID][]kds.EntryID),
	}
}

// Replace swaps in a full snapshot. Called on connect and after every
// reconnect, since events missed during the gap are otherwise lost.
func (v *View) Replace(entries []kds.RoutingEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries = make(map[kds.EntryID]*kds.RoutingEntry, len(entries))
	v.byStation = make(map[kds.StationID][]kds.EntryID)
	for i := range entries {
		e := entries[i]
		if !e.Open() {
			continue
		}
		v.entries[e.ID] = &e
		v.byStation[e.StationID] = append(v.byStation[e.StationID], e.ID)
	}
}

// Apply merges one re-fetched row into the view: insert if new, merge if
// existing, remove if the entry left the active scope.
func (v *View) Apply(e *kds.RoutingEntry) {
	if e == nil {
		return
	}
	if !e.Open() {
		v.Remove(e.ID)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if old, exists := v.entries[e.ID]; exists {
		if old.StationID != e.StationID {
			v.removeFromIndexLocked(old.StationID, e.ID)
			v.byStation[e.StationID] = append(v.byStation[e.StationID], e.ID)
		}
	} else {
		v.byStation[e.StationID] = append(v.byStation[e.StationID], e.ID)
	}
	clone := *e
	v.entries[e.ID] = &clone
}

func (v *View) Remove(id kds.EntryID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, exists := v.entries[id]
	if !exists {
		return
	}
	v.removeFromIndexLocked(e.StationID, id)
	delete(v.entries, id)
}

func (v *View) removeFromIndexLocked(station kds.StationID, id kds.EntryID) {
	ids := v.byStation[station]
	for i, candidate := range ids {
		if candidate == id {
			v.byStation[station] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (v *View) Get(id kds.EntryID) (kds.RoutingEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[id]
	if !ok {
		return kds.RoutingEntry{}, false
	}
	return *e, true
}

// ByStation returns the station's open entries in display order.
func (v *View) ByStation(station kds.StationID) []kds.RoutingEntry {
	v.mu.RLock()
	result := make([]kds.RoutingEntry, 0, len(v.byStation[station]))
	for _, id := range v.byStation[station] {
		if e, ok := v.entries[id]; ok {
			result = append(result, *e)
		}
	}
	v.mu.RUnlock()

	kds.SortForDisplay(result)
	return result
}

// ByTable returns the table's open entries in display order.
func (v *View) ByTable(table string) []kds.RoutingEntry {
	v.mu.RLock()
	result := make([]kds.RoutingEntry, 0)
	for _, e := range v.entries {
		if e.TableRef == table {
			result = append(result, *e)
		}
	}
	v.mu.RUnlock()

	kds.SortForDisplay(result)
	return result
}

// All returns every open entry in display order.
func (v *View) All() []kds.RoutingEntry {
	v.mu.RLock()
	result := make([]kds.RoutingEntry, 0, len(v.entries))
	for _, e := range v.entries {
		result = append(result, *e)
	}
	v.mu.RUnlock()

	kds.SortForDisplay(result)
	return result
}

func (v *View) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// QueueLength reports the number of open entries on a station.
func (v *View) QueueLength(station kds.StationID) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.byStation[station])
}

// Scope narrows a subscription to one station or one table. A zero scope
// receives everything.
type Scope struct {
	StationID *kds.StationID
	TableRef  *string
}

func (s Scope) matches(e *kds.RoutingEntry) bool {
	if s.StationID != nil && e.StationID != *s.StationID {
		return false
	}
	if s.TableRef != nil && e.TableRef != *s.TableRef {
		return false
	}
	return true
}

// filter always returns an owned slice so subscribers never share a
// backing array.
func (s Scope) filter(entries []kds.RoutingEntry) []kds.RoutingEntry {
	if s.StationID == nil && s.TableRef == nil {
		return append([]kds.RoutingEntry(nil), entries...)
	}
	out := make([]kds.RoutingEntry, 0, len(entries))
	for i := range entries {
		if s.matches(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out
}
