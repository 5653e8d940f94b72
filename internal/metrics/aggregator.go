package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/platekitchen/kds/internal/kds"
	"github.com/platekitchen/kds/pkg/event"
)

const (
	defaultInterval = 30 * time.Second
	defaultWindow   = time.Hour
	bucketCount     = 6
	recentAlertsCap = 50

	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	ConditionQueueDepth = "queue_depth"
	ConditionPrepTime   = "prep_time"
)

// Alert is a threshold crossing. An active condition fires exactly once and
// does not re-fire until it clears.
type Alert struct {
	ID        uuid.UUID     `json:"id"`
	StationID kds.StationID `json:"station_id"`
	Station   string        `json:"station"`
	Severity  string        `json:"severity"`
	Condition string        `json:"condition"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	RaisedAt  time.Time     `json:"raised_at"`
	ClearedAt *time.Time    `json:"cleared_at,omitempty"`
}

type HourBucket struct {
	Hour      time.Time `json:"hour"`
	Completed int       `json:"completed"`
}

type StationMetrics struct {
	StationID      kds.StationID `json:"station_id"`
	Station        string        `json:"station"`
	AvgPrepSeconds float64       `json:"avg_prep_seconds"`
	QueueLength    int           `json:"queue_length"`
	Overdue        int           `json:"overdue"`
	CompletionRate float64       `json:"completion_rate"`
	OrdersPerHour  []HourBucket  `json:"orders_per_hour"`
}

// Snapshot is derived, ephemeral state: always reproducible from entry
// history, safe to discard and recompute on restart.
type Snapshot struct {
	GeneratedAt time.Time                        `json:"generated_at"`
	Window      string                           `json:"window"`
	Stations    map[kds.StationID]StationMetrics `json:"stations"`
	Active      []Alert                          `json:"active_alerts"`
	Recent      []Alert                          `json:"recent_alerts"`
}

// Aggregator derives throughput, queue depth, prep time and threshold
// alerts from the entry stream. It recomputes on a fixed tick and whenever
// a transition event arrives on the entries topic.
type Aggregator struct {
	store      kds.EntryStore
	router     *kds.Router
	stream     events.StreamConsumer // replay source for warm-up, may be nil
	subscriber events.Subscriber     // transition event triggers, may be nil
	publisher  events.Publisher      // alert push channel, may be nil
	logger     aqm.Logger

	interval time.Duration
	window   time.Duration

	mu       sync.RWMutex
	snapshot Snapshot
	active   map[string]*Alert // keyed by station|condition
	recent   []Alert
	warmed   []timeSample

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type timeSample struct {
	StationID   kds.StationID
	CompletedAt time.Time
}

func NewAggregator(
	store kds.EntryStore,
	router *kds.Router,
	stream events.StreamConsumer,
	subscriber events.Subscriber,
	publisher events.Publisher,
	config *aqm.Config,
	logger aqm.Logger,
) *Aggregator {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}

	interval := defaultInterval
	window := defaultWindow
	if config != nil {
		if s, _ := config.GetString("metrics.interval"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				interval = time.Duration(secs) * time.Second
			}
		}
		if s, _ := config.GetString("metrics.window"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				window = time.Duration(secs) * time.Second
			}
		}
	}

	return &Aggregator{
		store:      store,
		router:     router,
		stream:     stream,
		subscriber: subscriber,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		window:     window,
		active:     make(map[string]*Alert),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		snapshot: Snapshot{
			Stations: make(map[kds.StationID]StationMetrics),
		},
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	if a.subscriber != nil {
		if err := a.subscriber.Subscribe(ctx, event.EntriesTopic, a.handleEvent); err != nil {
			a.logger.Errorf("cannot subscribe to %s, falling back to tick-only recompute: %v", event.EntriesTopic, err)
		}
	}

	a.warm(ctx)

	if err := a.recompute(ctx); err != nil {
		a.logger.Errorf("initial metrics recompute failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(runCtx)
	return nil
}

func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (a *Aggregator) RegisterRoutes(r chi.Router) {
	r.Get("/metrics", a.GetSnapshot)
}

func (a *Aggregator) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	aqm.Respond(w, http.StatusOK, a.Snapshot(), nil)
}

// Snapshot returns a copy of the current aggregated metrics and alerts.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.snapshot
	out.Stations = make(map[kds.StationID]StationMetrics, len(a.snapshot.Stations))
	for k, v := range a.snapshot.Stations {
		out.Stations[k] = v
	}
	out.Active = append([]Alert(nil), a.snapshot.Active...)
	out.Recent = append([]Alert(nil), a.snapshot.Recent...)
	return out
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.trigger:
		}
		if err := a.recompute(ctx); err != nil {
			a.logger.Errorf("metrics recompute failed: %v", err)
		}
	}
}

func (a *Aggregator) handleEvent(ctx context.Context, msg []byte) error {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil
	}
	switch head.EventType {
	case event.EventEntryRouted, event.EventEntryStatusChanged:
		select {
		case a.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// warm replays the persistent event stream so throughput buckets predate
// this process. Best-effort: an empty warm just means the first buckets
// fill from the store's rolling window.
func (a *Aggregator) warm(ctx context.Context) {
	if a.stream == nil {
		return
	}

	messages, err := a.stream.Fetch(ctx, 10000)
	if err != nil {
		a.logger.Info("stream replay unavailable, metrics warm from store only", "error", err)
		return
	}

	var samples []timeSample
	for _, msg := range messages {
		var evt event.EntryStatusChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			continue
		}
		if evt.EventType != event.EventEntryStatusChanged || evt.CompletedAt == nil {
			continue
		}
		stationID, err := uuid.Parse(evt.StationID)
		if err != nil {
			continue
		}
		samples = append(samples, timeSample{StationID: stationID, CompletedAt: *evt.CompletedAt})
	}

	a.mu.Lock()
	a.warmed = samples
	a.mu.Unlock()
	a.logger.Info("metrics warmed from event stream", "samples", len(samples))
}

func (a *Aggregator) recompute(ctx context.Context) error {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(bucketCount) * time.Hour)

	// Queue depth and overdue counts must see every non-terminal entry, no
	// matter how long ago it was routed. Only the throughput history is
	// bounded by the bucket horizon.
	open := true
	queued, err := a.store.ListEntries(ctx, kds.EntryFilter{Open: &open})
	if err != nil {
		return fmt.Errorf("cannot load open entries: %w", err)
	}
	history, err := a.store.ListEntries(ctx, kds.EntryFilter{Since: &since})
	if err != nil {
		return fmt.Errorf("cannot load entry history: %w", err)
	}
	stations, err := a.store.ListStations(ctx)
	if err != nil {
		return fmt.Errorf("cannot load stations: %w", err)
	}

	perStation := make(map[kds.StationID]StationMetrics, len(stations))
	type accum struct {
		prepTotal time.Duration
		prepCount int
		open      int
		overdue   int
		completed int
		total     int
		buckets   map[time.Time]int
	}
	acc := make(map[kds.StationID]*accum, len(stations))
	for _, s := range stations {
		acc[s.ID] = &accum{buckets: make(map[time.Time]int)}
	}

	windowStart := now.Add(-a.window)
	for i := range queued {
		e := &queued[i]
		st, ok := acc[e.StationID]
		if !ok {
			st = &accum{buckets: make(map[time.Time]int)}
			acc[e.StationID] = st
		}

		st.open++
		if a.router != nil && a.router.Overdue(e, now) {
			st.overdue++
		}
		// Rolling-window figures only count entries routed inside it.
		if e.RoutedAt.After(windowStart) {
			st.total++
		}
	}
	for i := range history {
		e := &history[i]
		if e.Open() {
			// Already counted from the open query.
			continue
		}
		st, ok := acc[e.StationID]
		if !ok {
			st = &accum{buckets: make(map[time.Time]int)}
			acc[e.StationID] = st
		}

		if e.RoutedAt.After(windowStart) {
			st.total++
			if e.CompletedAt != nil {
				st.completed++
			}
		}
		if e.CompletedAt != nil {
			if e.CompletedAt.After(windowStart) {
				st.prepTotal += e.CompletedAt.Sub(e.RoutedAt)
				st.prepCount++
			}
			st.buckets[e.CompletedAt.Truncate(time.Hour)]++
		}
	}

	// Replayed history fills older buckets the store query may not cover.
	a.mu.RLock()
	warmed := a.warmed
	a.mu.RUnlock()
	for _, sample := range warmed {
		if sample.CompletedAt.Before(since) {
			continue
		}
		if st, ok := acc[sample.StationID]; ok {
			st.buckets[sample.CompletedAt.Truncate(time.Hour)]++
		}
	}

	for _, s := range stations {
		st := acc[s.ID]
		m := StationMetrics{
			StationID:   s.ID,
			Station:     s.Name,
			QueueLength: st.open,
			Overdue:     st.overdue,
		}
		if st.prepCount > 0 {
			m.AvgPrepSeconds = st.prepTotal.Seconds() / float64(st.prepCount)
		}
		if st.total > 0 {
			m.CompletionRate = float64(st.completed) / float64(st.total)
		}
		for i := bucketCount - 1; i >= 0; i-- {
			hour := now.Truncate(time.Hour).Add(-time.Duration(i) * time.Hour)
			m.OrdersPerHour = append(m.OrdersPerHour, HourBucket{Hour: hour, Completed: st.buckets[hour]})
		}
		perStation[s.ID] = m
	}

	a.evaluateAlerts(ctx, now, stations, perStation)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = Snapshot{
		GeneratedAt: now,
		Window:      a.window.String(),
		Stations:    perStation,
		Active:      activeList(a.active),
		Recent:      append([]Alert(nil), a.recent...),
	}
	return nil
}

func (a *Aggregator) evaluateAlerts(ctx context.Context, now time.Time, stations []kds.Station, perStation map[kds.StationID]StationMetrics) {
	a.mu.Lock()
	var raised, cleared []Alert

	for _, s := range stations {
		m := perStation[s.ID]

		if s.Config.QueueWarnThreshold > 0 {
			raised, cleared = a.evaluateLocked(now, s, ConditionQueueDepth, SeverityWarning,
				float64(m.QueueLength), float64(s.Config.QueueWarnThreshold),
				fmt.Sprintf("%s queue depth %d exceeds %d", s.Name, m.QueueLength, s.Config.QueueWarnThreshold),
				raised, cleared)
		}
		if s.Config.PrepTimeCritical > 0 {
			raised, cleared = a.evaluateLocked(now, s, ConditionPrepTime, SeverityCritical,
				m.AvgPrepSeconds, s.Config.PrepTimeCritical.Seconds(),
				fmt.Sprintf("%s average prep time %.0fs exceeds %.0fs", s.Name, m.AvgPrepSeconds, s.Config.PrepTimeCritical.Seconds()),
				raised, cleared)
		}
	}
	a.mu.Unlock()

	for _, alert := range raised {
		a.publishAlert(ctx, event.EventAlertRaised, alert)
	}
	for _, alert := range cleared {
		a.publishAlert(ctx, event.EventAlertCleared, alert)
	}
}

// evaluateLocked fires an alert when value crosses threshold and the
// condition is not already active, and clears it when the value drops back.
func (a *Aggregator) evaluateLocked(
	now time.Time,
	station kds.Station,
	condition, severity string,
	value, threshold float64,
	message string,
	raised, cleared []Alert,
) ([]Alert, []Alert) {
	key := station.ID.String() + "|" + condition
	current, isActive := a.active[key]

	if value > threshold {
		if isActive {
			return raised, cleared
		}
		alert := Alert{
			ID:        uuid.New(),
			StationID: station.ID,
			Station:   station.Name,
			Severity:  severity,
			Condition: condition,
			Message:   message,
			Value:     value,
			Threshold: threshold,
			RaisedAt:  now,
		}
		a.active[key] = &alert
		a.pushRecentLocked(alert)
		return append(raised, alert), cleared
	}

	if isActive {
		delete(a.active, key)
		done := *current
		done.ClearedAt = &now
		return raised, append(cleared, done)
	}
	return raised, cleared
}

func (a *Aggregator) pushRecentLocked(alert Alert) {
	a.recent = append(a.recent, alert)
	if len(a.recent) > recentAlertsCap {
		a.recent = a.recent[len(a.recent)-recentAlertsCap:]
	}
}

func (a *Aggregator) publishAlert(ctx context.Context, eventType string, alert Alert) {
	if a.publisher == nil {
		return
	}
	payload := event.AlertEvent{
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		AlertID:    alert.ID.String(),
		StationID:  alert.StationID.String(),
		Severity:   alert.Severity,
		Condition:  alert.Condition,
		Message:    alert.Message,
		Value:      alert.Value,
		Threshold:  alert.Threshold,
	}
	data, _ := json.Marshal(payload)
	if err := a.publisher.Publish(ctx, event.AlertsTopic, data); err != nil {
		a.logger.Errorf("failed to publish alert: %v", err)
	}
}

func activeList(active map[string]*Alert) []Alert {
	out := make([]Alert, 0, len(active))
	for _, alert := range active {
		out = append(out, *alert)
	}
	return out
}
