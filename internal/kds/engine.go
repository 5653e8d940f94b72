package kds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"
	"github.com/platekitchen/kds/pkg/event"
)

// Engine is the order lifecycle state machine. Every mutation of orders and
// routing entries goes through here; the UI and the synchronizer never write
// to the store directly.
//
// Idempotency contract: a transition that finds the entry already in the
// state it would produce returns the current row as a no-op. A transition
// that loses a concurrent race receives *ConflictError and is surfaced to
// the caller, who re-fetches; a retry of the same request then lands on the
// no-op path.
type Engine struct {
	store     EntryStore
	router    *Router
	publisher events.Publisher
	logger    aqm.Logger
}

func NewEngine(store EntryStore, router *Router, publisher events.Publisher, logger aqm.Logger) *Engine {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Engine{
		store:     store,
		router:    router,
		publisher: publisher,
		logger:    logger,
	}
}

// NewOrder is the inbound shape for order submission.
type NewOrder struct {
	TableRef string      `json:"table_ref"`
	SeatRef  string      `json:"seat_ref,omitempty"`
	Items    []OrderItem `json:"items"`
}

// CreateOrder persists a new order and fans it out into one routing entry
// per distinct target station.
func (en *Engine) CreateOrder(ctx context.Context, req NewOrder) (*Order, []RoutingEntry, error) {
	if len(req.Items) == 0 {
		return nil, nil, fmt.Errorf("order must contain at least one item")
	}

	assignments, err := en.router.Route(req.Items)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	order := &Order{
		ID:        uuid.New(),
		TableRef:  req.TableRef,
		SeatRef:   req.SeatRef,
		Items:     req.Items,
		Status:    OrderInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}

	entries := make([]*RoutingEntry, 0, len(assignments))
	for i, a := range assignments {
		names := make([]string, 0, len(a.Items))
		quantity := 0
		for _, item := range a.Items {
			names = append(names, item.Name)
			quantity += item.Quantity
		}
		entries = append(entries, &RoutingEntry{
			ID:          uuid.New(),
			OrderID:     order.ID,
			StationID:   a.Station.ID,
			Sequence:    i + 1,
			ItemName:    strings.Join(names, ", "),
			Quantity:    quantity,
			Priority:    0,
			RoutedAt:    now,
			TableRef:    order.TableRef,
			StationName: a.Station.Name,
		})
	}

	if err := en.store.CreateOrder(ctx, order, entries); err != nil {
		return nil, nil, fmt.Errorf("cannot create order: %w", err)
	}

	out := make([]RoutingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
		en.publishRouted(ctx, e)
	}

	en.logger.Info("order created", "order_id", order.ID, "entries", len(out))
	return order, out, nil
}

// Start marks a routed entry as in preparation. Idempotent when already
// started; invalid from completed or cancelled.
func (en *Engine) Start(ctx context.Context, id EntryID) (*RoutingEntry, error) {
	e, err := en.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	switch e.State() {
	case EntryStarted:
		return e, nil
	case EntryCompleted, EntryCancelled:
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionStart, Current: e.State()}
	}

	applied, err := en.store.ApplyTransition(ctx, id, Transition{
		Type:     TransitionStart,
		Expected: EntryRouted,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	en.publishStatusChange(ctx, applied, EntryRouted)
	return applied, nil
}

// Bump completes an entry. Legal from started (the common path) or routed
// (direct-complete, no prep needed). Advances the parent order to ready when
// it was the last entry needing completion.
func (en *Engine) Bump(ctx context.Context, id EntryID, actor ActorID) (*RoutingEntry, error) {
	e, err := en.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := e.State()
	switch previous {
	case EntryCompleted:
		return e, nil
	case EntryCancelled:
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionBump, Current: previous}
	}

	applied, err := en.store.ApplyTransition(ctx, id, Transition{
		Type:     TransitionBump,
		Expected: previous,
		Actor:    &actor,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	en.publishStatusChange(ctx, applied, previous)
	en.settleOrder(ctx, applied.OrderID)
	return applied, nil
}

// Recall reopens a completed entry, restoring it to started and incrementing
// the recall count. Station policy may enforce a recall window; a zero
// window means unlimited, in which case late recalls are only logged.
func (en *Engine) Recall(ctx context.Context, id EntryID, reason string) (*RoutingEntry, error) {
	e, err := en.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	switch e.State() {
	case EntryStarted:
		if e.RecallCount > 0 {
			// A retried recall that already went through.
			return e, nil
		}
		// Started but never completed: there is nothing to recall.
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionRecall, Current: EntryStarted}
	case EntryRouted, EntryCancelled:
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionRecall, Current: e.State()}
	}

	now := time.Now().UTC()
	if station, ok := en.router.Station(e.StationID); ok {
		window := station.Config.RecallWindow
		age := now.Sub(*e.CompletedAt)
		if window > 0 && age > window {
			return nil, &RecallWindowExpiredError{Entry: id, Window: window.String()}
		}
		if window <= 0 && age > 15*time.Minute {
			en.logger.Info("late recall", "entry_id", id, "completed_ago", age.String())
		}
	}

	applied, err := en.store.ApplyTransition(ctx, id, Transition{
		Type:     TransitionRecall,
		Expected: EntryCompleted,
		Note:     reason,
		At:       now,
	})
	if err != nil {
		return nil, err
	}

	en.publishStatusChange(ctx, applied, EntryCompleted)
	en.settleOrder(ctx, applied.OrderID)
	return applied, nil
}

// SetPriority changes display priority. Pure attribute update, legal only
// while the entry is still open.
func (en *Engine) SetPriority(ctx context.Context, id EntryID, priority int) (*RoutingEntry, error) {
	e, err := en.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	state := e.State()
	if state == EntryCompleted || state == EntryCancelled {
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionPriority, Current: state}
	}
	if e.Priority == priority {
		return e, nil
	}

	applied, err := en.store.ApplyTransition(ctx, id, Transition{
		Type:     TransitionPriority,
		Expected: state,
		Priority: &priority,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	en.publishStatusChange(ctx, applied, state)
	return applied, nil
}

// Cancel terminates an open entry. When every entry of the order ends up
// cancelled the order itself becomes cancelled.
func (en *Engine) Cancel(ctx context.Context, id EntryID, actor ActorID) (*RoutingEntry, error) {
	e, err := en.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := e.State()
	switch previous {
	case EntryCancelled:
		return e, nil
	case EntryCompleted:
		return nil, &InvalidTransitionError{Entry: id, Requested: TransitionCancel, Current: previous}
	}

	applied, err := en.store.ApplyTransition(ctx, id, Transition{
		Type:     TransitionCancel,
		Expected: previous,
		Actor:    &actor,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	en.publishStatusChange(ctx, applied, previous)
	en.settleOrder(ctx, applied.OrderID)
	return applied, nil
}

// BulkBump bumps every open entry in scope. Each entry is attempted
// independently: a kitchen expects "bump what you can", not all-or-nothing.
func (en *Engine) BulkBump(ctx context.Context, scope BulkScope, actor ActorID) (*BulkResult, error) {
	if (scope.StationID == nil) == (scope.TableRef == nil) {
		return nil, fmt.Errorf("bulk scope must name exactly one of station or table")
	}

	open := true
	filter := EntryFilter{Open: &open, StationID: scope.StationID, TableRef: scope.TableRef}
	entries, err := en.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("cannot list entries for bulk bump: %w", err)
	}

	result := &BulkResult{}
	for _, e := range entries {
		if _, err := en.Bump(ctx, e.ID, actor); err != nil {
			result.Failed = append(result.Failed, BulkFailure{EntryID: e.ID, Reason: err.Error()})
			continue
		}
		result.Bumped = append(result.Bumped, e.ID)
	}

	en.logger.Info("bulk bump", "bumped", len(result.Bumped), "failed", len(result.Failed))
	return result, nil
}

// settleOrder recomputes the parent order's status after a terminal entry
// transition. Settlement failures are logged, never surfaced: the entry
// write already committed and the next transition settles again.
func (en *Engine) settleOrder(ctx context.Context, orderID OrderID) {
	order, previous, err := en.store.SettleOrderStatus(ctx, orderID)
	if err != nil {
		en.logger.Errorf("cannot settle order %s status: %v", orderID, err)
		return
	}
	if order.Status == previous {
		return
	}

	payload := event.OrderStatusChangedEvent{
		EventType:      event.EventOrderStatusChanged,
		OccurredAt:     time.Now().UTC(),
		OrderID:        order.ID.String(),
		TableRef:       order.TableRef,
		NewStatus:      string(order.Status),
		PreviousStatus: string(previous),
	}
	en.publish(ctx, event.OrdersTopic, payload)
}

func (en *Engine) publishRouted(ctx context.Context, e *RoutingEntry) {
	payload := event.EntryRoutedEvent{
		EntryEventMetadata: metadataFor(e, event.EventEntryRouted),
		Sequence:           e.Sequence,
		Priority:           e.Priority,
		Notes:              e.Notes,
	}
	en.publish(ctx, event.EntriesTopic, payload)
}

func (en *Engine) publishStatusChange(ctx context.Context, e *RoutingEntry, previous EntryState) {
	payload := event.EntryStatusChangedEvent{
		EntryEventMetadata: metadataFor(e, event.EventEntryStatusChanged),
		NewState:           string(e.State()),
		PreviousState:      string(previous),
		Priority:           e.Priority,
		RecallCount:        e.RecallCount,
		Notes:              e.Notes,
		RoutedAt:           e.RoutedAt,
		StartedAt:          e.StartedAt,
		CompletedAt:        e.CompletedAt,
		CancelledAt:        e.CancelledAt,
	}
	if e.BumpedBy != nil {
		payload.BumpedBy = e.BumpedBy.String()
	}
	en.publish(ctx, event.EntriesTopic, payload)
}

func (en *Engine) publish(ctx context.Context, topic string, payload any) {
	if en.publisher == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := en.publisher.Publish(ctx, topic, data); err != nil {
		en.logger.Errorf("failed to publish to %s: %v", topic, err)
	}
}

func metadataFor(e *RoutingEntry, eventType string) event.EntryEventMetadata {
	return event.EntryEventMetadata{
		EventType:   eventType,
		OccurredAt:  time.Now().UTC(),
		EntryID:     e.ID.String(),
		OrderID:     e.OrderID.String(),
		StationID:   e.StationID.String(),
		ItemName:    e.ItemName,
		StationName: e.StationName,
		TableRef:    e.TableRef,
	}
}
