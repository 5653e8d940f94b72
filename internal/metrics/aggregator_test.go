package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platekitchen/kds/internal/kds"
	"github.com/platekitchen/kds/pkg/event"
)

// metricsStore serves the two reads the aggregator performs.
type metricsStore struct {
	mu       sync.Mutex
	entries  []kds.RoutingEntry
	stations []kds.Station
}

func (m *metricsStore) setEntries(entries []kds.RoutingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
}

func (m *metricsStore) ListEntries(ctx context.Context, filter kds.EntryFilter) ([]kds.RoutingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kds.RoutingEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.Open != nil && e.Open() != *filter.Open {
			continue
		}
		if filter.Since != nil && e.RoutedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *metricsStore) ListStations(ctx context.Context) ([]kds.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kds.Station(nil), m.stations...), nil
}

func (m *metricsStore) CreateOrder(ctx context.Context, o *kds.Order, entries []*kds.RoutingEntry) error {
	return nil
}

func (m *metricsStore) FindOrder(ctx context.Context, id kds.OrderID) (*kds.Order, error) {
	return nil, kds.ErrNotFound
}

func (m *metricsStore) FindEntry(ctx context.Context, id kds.EntryID) (*kds.RoutingEntry, error) {
	return nil, kds.ErrNotFound
}

func (m *metricsStore) ApplyTransition(ctx context.Context, id kds.EntryID, t kds.Transition) (*kds.RoutingEntry, error) {
	return nil, kds.ErrNotFound
}

func (m *metricsStore) SettleOrderStatus(ctx context.Context, id kds.OrderID) (*kds.Order, kds.OrderStatus, error) {
	return nil, "", kds.ErrNotFound
}

func (m *metricsStore) FindStation(ctx context.Context, id kds.StationID) (*kds.Station, error) {
	return nil, kds.ErrNotFound
}

func (m *metricsStore) SaveStation(ctx context.Context, s *kds.Station) error {
	return nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	data   [][]byte
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.data = append(p.data, msg)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func openEntries(station kds.StationID, n int) []kds.RoutingEntry {
	out := make([]kds.RoutingEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, kds.RoutingEntry{
			ID:        uuid.New(),
			OrderID:   uuid.New(),
			StationID: station,
			ItemName:  "Burger",
			Quantity:  1,
			RoutedAt:  time.Now().UTC().Add(-time.Minute),
		})
	}
	return out
}

func completedEntries(station kds.StationID, n int, prep time.Duration) []kds.RoutingEntry {
	out := make([]kds.RoutingEntry, 0, n)
	for i := 0; i < n; i++ {
		completed := time.Now().UTC().Add(-time.Minute)
		out = append(out, kds.RoutingEntry{
			ID:          uuid.New(),
			OrderID:     uuid.New(),
			StationID:   station,
			ItemName:    "Burger",
			Quantity:    1,
			RoutedAt:    completed.Add(-prep),
			CompletedAt: &completed,
		})
	}
	return out
}

func testStation(threshold int, prepCritical time.Duration) kds.Station {
	return kds.Station{
		ID:       uuid.New(),
		Name:     "Grill",
		Category: kds.StationGrill,
		Active:   true,
		Config: kds.StationConfig{
			QueueWarnThreshold: threshold,
			PrepTimeCritical:   prepCritical,
		},
	}
}

func newTestAggregator(store *metricsStore, publisher *capturingPublisher) *Aggregator {
	var router *kds.Router
	if len(store.stations) > 0 {
		router = kds.NewRouter(store.stations)
	}
	return NewAggregator(store, router, nil, nil, publisher, nil, nil)
}

func TestRecomputeStationMetrics(t *testing.T) {
	station := testStation(100, 0)
	store := &metricsStore{stations: []kds.Station{station}}

	entries := openEntries(station.ID, 3)
	entries = append(entries, completedEntries(station.ID, 2, 4*time.Minute)...)
	store.setEntries(entries)

	agg := newTestAggregator(store, &capturingPublisher{})
	if err := agg.recompute(context.Background()); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	snapshot := agg.Snapshot()
	m, ok := snapshot.Stations[station.ID]
	if !ok {
		t.Fatal("station missing from snapshot")
	}
	if m.QueueLength != 3 {
		t.Errorf("queue length = %d, want 3", m.QueueLength)
	}
	if m.AvgPrepSeconds < 235 || m.AvgPrepSeconds > 245 {
		t.Errorf("avg prep = %.1fs, want ~240s", m.AvgPrepSeconds)
	}
	// 2 of 5 entries in the window are completed.
	if m.CompletionRate < 0.39 || m.CompletionRate > 0.41 {
		t.Errorf("completion rate = %.2f, want 0.40", m.CompletionRate)
	}
	if len(m.OrdersPerHour) != bucketCount {
		t.Errorf("buckets = %d, want %d", len(m.OrdersPerHour), bucketCount)
	}
	// Completions a minute old land in the current or previous bucket
	// depending on where the hour boundary falls.
	recent := m.OrdersPerHour[bucketCount-1].Completed + m.OrdersPerHour[bucketCount-2].Completed
	if recent != 2 {
		t.Errorf("recent throughput = %d, want 2", recent)
	}
}

func TestRecomputeCountsStuckOpenEntries(t *testing.T) {
	station := testStation(3, 0)
	station.Config.OverdueAfter = 15 * time.Minute
	store := &metricsStore{stations: []kds.Station{station}}

	// Entries stuck open since before the bucket horizon still count toward
	// queue depth and overdue.
	stuck := openEntries(station.ID, 4)
	for i := range stuck {
		stuck[i].RoutedAt = time.Now().UTC().Add(-7 * time.Hour)
	}
	store.setEntries(stuck)

	agg := newTestAggregator(store, &capturingPublisher{})
	ctx := context.Background()
	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	snapshot := agg.Snapshot()
	m, ok := snapshot.Stations[station.ID]
	if !ok {
		t.Fatal("station missing from snapshot")
	}
	if m.QueueLength != 4 {
		t.Errorf("queue length = %d, want 4", m.QueueLength)
	}
	if m.Overdue != 4 {
		t.Errorf("overdue = %d, want 4", m.Overdue)
	}
	if len(snapshot.Active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(snapshot.Active))
	}

	// The alert stays up while the entries stay stuck.
	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}
	if got := len(agg.Snapshot().Active); got != 1 {
		t.Errorf("active alerts = %d, want 1 on the next pass", got)
	}
}

func TestQueueDepthAlertFiresOnce(t *testing.T) {
	station := testStation(10, 0)
	store := &metricsStore{stations: []kds.Station{station}}
	store.setEntries(openEntries(station.ID, 11))

	publisher := &capturingPublisher{}
	agg := newTestAggregator(store, publisher)
	ctx := context.Background()

	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	snapshot := agg.Snapshot()
	if len(snapshot.Active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(snapshot.Active))
	}
	alert := snapshot.Active[0]
	if alert.Severity != SeverityWarning || alert.Condition != ConditionQueueDepth {
		t.Errorf("alert = %s/%s, want %s/%s", alert.Severity, alert.Condition, SeverityWarning, ConditionQueueDepth)
	}
	if alert.Value != 11 || alert.Threshold != 10 {
		t.Errorf("alert value/threshold = %.0f/%.0f, want 11/10", alert.Value, alert.Threshold)
	}
	if publisher.count() != 1 {
		t.Errorf("published alerts = %d, want 1", publisher.count())
	}

	var raised event.AlertEvent
	if err := json.Unmarshal(publisher.data[0], &raised); err != nil {
		t.Fatalf("cannot decode alert event: %v", err)
	}
	if raised.EventType != event.EventAlertRaised {
		t.Errorf("event type = %s, want %s", raised.EventType, event.EventAlertRaised)
	}

	// Condition persists: grows to 12 entries, still one active alert and
	// no second publish.
	store.setEntries(openEntries(station.ID, 12))
	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}
	if got := len(agg.Snapshot().Active); got != 1 {
		t.Errorf("active alerts = %d, want 1 (no duplicate)", got)
	}
	if publisher.count() != 1 {
		t.Errorf("published alerts = %d, want 1 (deduplicated)", publisher.count())
	}
}

func TestQueueDepthAlertClears(t *testing.T) {
	station := testStation(10, 0)
	store := &metricsStore{stations: []kds.Station{station}}
	store.setEntries(openEntries(station.ID, 11))

	publisher := &capturingPublisher{}
	agg := newTestAggregator(store, publisher)
	ctx := context.Background()

	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	store.setEntries(openEntries(station.ID, 2))
	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	snapshot := agg.Snapshot()
	if len(snapshot.Active) != 0 {
		t.Errorf("active alerts = %d, want 0 after clearing", len(snapshot.Active))
	}
	if len(snapshot.Recent) != 1 {
		t.Errorf("recent alerts = %d, want 1", len(snapshot.Recent))
	}
	if publisher.count() != 2 {
		t.Fatalf("published alerts = %d, want raised+cleared", publisher.count())
	}

	var cleared event.AlertEvent
	if err := json.Unmarshal(publisher.data[1], &cleared); err != nil {
		t.Fatalf("cannot decode alert event: %v", err)
	}
	if cleared.EventType != event.EventAlertCleared {
		t.Errorf("event type = %s, want %s", cleared.EventType, event.EventAlertCleared)
	}

	// The condition can fire again after clearing.
	store.setEntries(openEntries(station.ID, 11))
	if err := agg.recompute(ctx); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}
	if got := len(agg.Snapshot().Active); got != 1 {
		t.Errorf("active alerts = %d, want 1 after re-crossing", got)
	}
}

func TestPrepTimeCriticalAlert(t *testing.T) {
	station := testStation(0, 10*time.Minute)
	store := &metricsStore{stations: []kds.Station{station}}
	store.setEntries(completedEntries(station.ID, 3, 15*time.Minute))

	publisher := &capturingPublisher{}
	agg := newTestAggregator(store, publisher)

	if err := agg.recompute(context.Background()); err != nil {
		t.Fatalf("recompute() error = %v", err)
	}

	snapshot := agg.Snapshot()
	if len(snapshot.Active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(snapshot.Active))
	}
	if snapshot.Active[0].Severity != SeverityCritical || snapshot.Active[0].Condition != ConditionPrepTime {
		t.Errorf("alert = %s/%s, want %s/%s",
			snapshot.Active[0].Severity, snapshot.Active[0].Condition, SeverityCritical, ConditionPrepTime)
	}
}

func TestRecentAlertsBounded(t *testing.T) {
	station := testStation(10, 0)
	store := &metricsStore{stations: []kds.Station{station}}

	publisher := &capturingPublisher{}
	agg := newTestAggregator(store, publisher)
	ctx := context.Background()

	// Flap the condition well past the cap.
	for i := 0; i < recentAlertsCap+20; i++ {
		store.setEntries(openEntries(station.ID, 11))
		if err := agg.recompute(ctx); err != nil {
			t.Fatalf("recompute() error = %v", err)
		}
		store.setEntries(nil)
		if err := agg.recompute(ctx); err != nil {
			t.Fatalf("recompute() error = %v", err)
		}
	}

	if got := len(agg.Snapshot().Recent); got != recentAlertsCap {
		t.Errorf("recent alerts = %d, want capped at %d", got, recentAlertsCap)
	}
}

func TestHandleEventTriggersRecompute(t *testing.T) {
	agg := newTestAggregator(&metricsStore{}, &capturingPublisher{})

	payload, _ := json.Marshal(map[string]string{"event_type": event.EventEntryStatusChanged})
	if err := agg.handleEvent(context.Background(), payload); err != nil {
		t.Fatalf("handleEvent() error = %v", err)
	}

	select {
	case <-agg.trigger:
	default:
		t.Error("status change event should queue a recompute")
	}

	// Unrelated and malformed payloads are ignored without error.
	if err := agg.handleEvent(context.Background(), []byte(`{"event_type":"kds.order.status_changed"}`)); err != nil {
		t.Errorf("handleEvent() error = %v", err)
	}
	if err := agg.handleEvent(context.Background(), []byte(`not json`)); err != nil {
		t.Errorf("handleEvent() error = %v", err)
	}
	select {
	case <-agg.trigger:
		t.Error("unrelated events must not queue a recompute")
	default:
	}
}
