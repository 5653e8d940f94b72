package kds

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// categoryRules maps item-name keywords to station categories. The first
// matching keyword wins; anything unmatched lands on expo.
var categoryRules = []struct {
	keyword  string
	category StationCategory
}{
	{"steak", StationGrill},
	{"burger", StationGrill},
	{"chicken", StationGrill},
	{"ribs", StationGrill},
	{"grilled", StationGrill},
	{"fries", StationFryer},
	{"fried", StationFryer},
	{"wings", StationFryer},
	{"tempura", StationFryer},
	{"salad", StationSalad},
	{"slaw", StationSalad},
	{"ceviche", StationSalad},
	{"beer", StationBar},
	{"wine", StationBar},
	{"cocktail", StationBar},
	{"soda", StationBar},
	{"juice", StationBar},
	{"cake", StationDessert},
	{"ice cream", StationDessert},
	{"sundae", StationDessert},
	{"brownie", StationDessert},
}

// ErrNoActiveStations is returned when routing is impossible because the
// restaurant has no active station at all.
var ErrNoActiveStations = errors.New("no active stations configured")

// Assignment is one station's share of an order.
type Assignment struct {
	Station Station
	Items   []OrderItem
}

// Router decides which stations receive routing entries for an order's
// items, and orders a station's entries for display. It never mutates
// entries; it only informs the lifecycle engine at creation time.
type Router struct {
	mu         sync.RWMutex
	stations   []Station
	byID       map[StationID]Station
	byCategory map[StationCategory]Station
}

func NewRouter(stations []Station) *Router {
	r := &Router{}
	r.Reload(stations)
	return r
}

// Reload replaces the station reference data. Stations are long-lived but
// can be toggled active/inactive at runtime.
func (r *Router) Reload(stations []Station) {
	byID := make(map[StationID]Station, len(stations))
	byCategory := make(map[StationCategory]Station, len(stations))
	for _, s := range stations {
		byID[s.ID] = s
		if !s.Active {
			continue
		}
		// Lowest display order wins when a category has several stations.
		if cur, ok := byCategory[s.Category]; !ok || s.DisplayOrder < cur.DisplayOrder {
			byCategory[s.Category] = s
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stations = stations
	r.byID = byID
	r.byCategory = byCategory
}

// Station looks up a station by id, including inactive ones.
func (r *Router) Station(id StationID) (Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Route groups an order's items by target station. Items sharing a station
// collapse into one assignment so an order fans out into at most one routing
// entry per station per item.
func (r *Router) Route(items []OrderItem) ([]Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	grouped := make(map[StationID]*Assignment)
	for _, item := range items {
		station, ok := r.resolveLocked(item)
		if !ok {
			return nil, ErrNoActiveStations
		}
		a, ok := grouped[station.ID]
		if !ok {
			a = &Assignment{Station: station}
			grouped[station.ID] = a
		}
		a.Items = append(a.Items, item)
	}

	out := make([]Assignment, 0, len(grouped))
	for _, a := range grouped {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Station.DisplayOrder < out[j].Station.DisplayOrder
	})
	return out, nil
}

func (r *Router) resolveLocked(item OrderItem) (Station, bool) {
	if item.StationHint != "" {
		if s, ok := r.byCategory[StationCategory(item.StationHint)]; ok {
			return s, true
		}
	}

	name := strings.ToLower(item.Name)
	for _, rule := range categoryRules {
		if strings.Contains(name, rule.keyword) {
			if s, ok := r.byCategory[rule.category]; ok {
				return s, true
			}
			break
		}
	}

	// Expo is the catch-all; if even expo is down, any active station takes it.
	if s, ok := r.byCategory[StationExpo]; ok {
		return s, true
	}
	for _, s := range r.stations {
		if s.Active {
			return s, true
		}
	}
	return Station{}, false
}

// Overdue reports whether an open entry has exceeded its station's overdue
// threshold.
func (r *Router) Overdue(e *RoutingEntry, now time.Time) bool {
	if !e.Open() {
		return false
	}
	s, ok := r.Station(e.StationID)
	if !ok || s.Config.OverdueAfter <= 0 {
		return false
	}
	return now.Sub(e.RoutedAt) > s.Config.OverdueAfter
}

// SortForDisplay orders entries as physical displays show them: priority
// descending, then routed-at ascending. The sort is stable so equal entries
// keep their relative order.
func SortForDisplay(entries []RoutingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].RoutedAt.Before(entries[j].RoutedAt)
	})
}
