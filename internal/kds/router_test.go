package kds

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRouteByKeyword(t *testing.T) {
	stations := testStations()
	router := NewRouter(stations)

	tests := []struct {
		name     string
		item     OrderItem
		wantName string
	}{
		{name: "burgerToGrill", item: OrderItem{Name: "Double Burger", Quantity: 1}, wantName: "Grill"},
		{name: "steakToGrill", item: OrderItem{Name: "Ribeye Steak", Quantity: 1}, wantName: "Grill"},
		{name: "beerToBar", item: OrderItem{Name: "Craft Beer", Quantity: 1}, wantName: "Bar"},
		{name: "unknownToExpo", item: OrderItem{Name: "Mystery Special", Quantity: 1}, wantName: "Expo"},
		{name: "caseInsensitive", item: OrderItem{Name: "BURGER deluxe", Quantity: 1}, wantName: "Grill"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assignments, err := router.Route([]OrderItem{tt.item})
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if len(assignments) != 1 {
				t.Fatalf("assignments = %d, want 1", len(assignments))
			}
			if assignments[0].Station.Name != tt.wantName {
				t.Errorf("station = %s, want %s", assignments[0].Station.Name, tt.wantName)
			}
		})
	}
}

func TestRouteHintOverridesKeyword(t *testing.T) {
	router := NewRouter(testStations())

	assignments, err := router.Route([]OrderItem{
		{Name: "Burger", Quantity: 1, StationHint: "bar"},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if assignments[0].Station.Name != "Bar" {
		t.Errorf("station = %s, want Bar (hint wins over keyword)", assignments[0].Station.Name)
	}
}

func TestRouteGroupsItemsPerStation(t *testing.T) {
	router := NewRouter(testStations())

	assignments, err := router.Route([]OrderItem{
		{Name: "Burger", Quantity: 1},
		{Name: "Steak", Quantity: 1},
		{Name: "Beer", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("assignments = %d, want 2", len(assignments))
	}
	// Sorted by station display order: grill first.
	if assignments[0].Station.Name != "Grill" || len(assignments[0].Items) != 2 {
		t.Errorf("first assignment = %s with %d items, want Grill with 2",
			assignments[0].Station.Name, len(assignments[0].Items))
	}
	if assignments[1].Station.Name != "Bar" || len(assignments[1].Items) != 1 {
		t.Errorf("second assignment = %s with %d items, want Bar with 1",
			assignments[1].Station.Name, len(assignments[1].Items))
	}
}

func TestRouteInactiveStationSkipped(t *testing.T) {
	stations := testStations()
	stations[0].Active = false // grill offline
	router := NewRouter(stations)

	assignments, err := router.Route([]OrderItem{{Name: "Burger", Quantity: 1}})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if assignments[0].Station.Name != "Expo" {
		t.Errorf("station = %s, want Expo fallback when grill is offline", assignments[0].Station.Name)
	}
}

func TestRouteNoActiveStations(t *testing.T) {
	stations := testStations()
	for i := range stations {
		stations[i].Active = false
	}
	router := NewRouter(stations)

	if _, err := router.Route([]OrderItem{{Name: "Burger", Quantity: 1}}); err != ErrNoActiveStations {
		t.Errorf("Route() error = %v, want ErrNoActiveStations", err)
	}
}

func TestReloadReplacesRules(t *testing.T) {
	router := NewRouter(testStations())

	replacement := []Station{
		{ID: uuid.New(), Name: "Fryer", Category: StationFryer, Active: true, DisplayOrder: 1},
	}
	router.Reload(replacement)

	assignments, err := router.Route([]OrderItem{{Name: "Burger", Quantity: 1}})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if assignments[0].Station.Name != "Fryer" {
		t.Errorf("station = %s, want Fryer (only remaining active station)", assignments[0].Station.Name)
	}
}

func TestOverdue(t *testing.T) {
	stationID := uuid.New()
	router := NewRouter([]Station{{
		ID:       stationID,
		Name:     "Grill",
		Category: StationGrill,
		Active:   true,
		Config:   StationConfig{OverdueAfter: 10 * time.Minute},
	}})

	now := time.Now().UTC()
	completed := now.Add(-5 * time.Minute)

	tests := []struct {
		name  string
		entry RoutingEntry
		want  bool
	}{
		{
			name:  "freshEntry",
			entry: RoutingEntry{StationID: stationID, RoutedAt: now.Add(-2 * time.Minute)},
			want:  false,
		},
		{
			name:  "pastThreshold",
			entry: RoutingEntry{StationID: stationID, RoutedAt: now.Add(-20 * time.Minute)},
			want:  true,
		},
		{
			name: "completedNeverOverdue",
			entry: RoutingEntry{
				StationID:   stationID,
				RoutedAt:    now.Add(-30 * time.Minute),
				CompletedAt: &completed,
			},
			want: false,
		},
		{
			name:  "unknownStation",
			entry: RoutingEntry{StationID: uuid.New(), RoutedAt: now.Add(-30 * time.Minute)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := router.Overdue(&tt.entry, now); got != tt.want {
				t.Errorf("Overdue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortForDisplay(t *testing.T) {
	base := time.Now().UTC()
	entries := []RoutingEntry{
		{ItemName: "T3", Priority: 1, RoutedAt: base.Add(-1 * time.Minute)},
		{ItemName: "T1", Priority: 3, RoutedAt: base.Add(-5 * time.Minute)},
		{ItemName: "T2", Priority: 3, RoutedAt: base.Add(-3 * time.Minute)},
	}

	SortForDisplay(entries)

	want := []string{"T1", "T2", "T3"}
	for i, name := range want {
		if entries[i].ItemName != name {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].ItemName, name)
		}
	}
}
