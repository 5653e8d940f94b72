package kds

import (
	"context"
	"time"
)

// EntryStore is the single source of truth for orders, routing entries and
// stations. All writes are single-row and conditional on current state.
type EntryStore interface {
	CreateOrder(ctx context.Context, o *Order, entries []*RoutingEntry) error
	FindOrder(ctx context.Context, id OrderID) (*Order, error)
	FindEntry(ctx context.Context, id EntryID) (*RoutingEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]RoutingEntry, error)

	// ApplyTransition performs the conditional write. When the row no longer
	// matches t.Expected it returns a *ConflictError carrying the current
	// state, or ErrNotFound if the row is gone.
	ApplyTransition(ctx context.Context, id EntryID, t Transition) (*RoutingEntry, error)

	// SettleOrderStatus recomputes the parent order's status from its
	// entries in a single statement and returns the order plus the status it
	// held before the call.
	SettleOrderStatus(ctx context.Context, id OrderID) (*Order, OrderStatus, error)

	ListStations(ctx context.Context) ([]Station, error)
	FindStation(ctx context.Context, id StationID) (*Station, error)
	SaveStation(ctx context.Context, s *Station) error
}

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is a raw row-level notification from the store. Payloads carry
// only identifiers; consumers re-fetch the full joined row.
type ChangeEvent struct {
	Op        ChangeOp  `json:"op"`
	EntryID   EntryID   `json:"entry_id"`
	OrderID   OrderID   `json:"order_id"`
	StationID StationID `json:"station_id"`
	At        time.Time `json:"at"`
}

type FeedState string

const (
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedDisconnected FeedState = "disconnected"
)

// ChangeFeed is a push channel of row-level change notifications. A dropped
// subscription is reconnected internally; consumers watch States to surface
// staleness and must re-snapshot after every reconnect.
type ChangeFeed interface {
	Events() <-chan ChangeEvent
	States() <-chan FeedState
}
