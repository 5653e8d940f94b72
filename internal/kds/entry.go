package kds

import (
	"time"

	"github.com/google/uuid"
)

type OrderID = uuid.UUID
type EntryID = uuid.UUID
type StationID = uuid.UUID
type ActorID = uuid.UUID

type OrderStatus string

const (
	OrderInProgress OrderStatus = "in_progress"
	OrderReady      OrderStatus = "ready"
	OrderCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions can affect the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderReady || s == OrderCancelled
}

type EntryState string

const (
	EntryRouted    EntryState = "routed"
	EntryStarted   EntryState = "started"
	EntryCompleted EntryState = "completed"
	EntryCancelled EntryState = "cancelled"
)

type StationCategory string

const (
	StationGrill   StationCategory = "grill"
	StationFryer   StationCategory = "fryer"
	StationSalad   StationCategory = "salad"
	StationBar     StationCategory = "bar"
	StationDessert StationCategory = "dessert"
	StationExpo    StationCategory = "expo"
)

type OrderItem struct {
	Name        string   `json:"name"`
	Quantity    int      `json:"quantity"`
	Modifiers   []string `json:"modifiers,omitempty"`
	StationHint string   `json:"station_hint,omitempty"`
}

type Order struct {
	ID        OrderID     `json:"id"`
	TableRef  string      `json:"table_ref"`
	SeatRef   string      `json:"seat_ref,omitempty"`
	Items     []OrderItem `json:"items"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RoutingEntry is the per-station unit of work derived from an order.
// Its state is encoded entirely by timestamp nullability so the row can
// never disagree with a redundant status column.
type RoutingEntry struct {
	ID          EntryID    `json:"id"`
	OrderID     OrderID    `json:"order_id"`
	StationID   StationID  `json:"station_id"`
	Sequence    int        `json:"sequence"`
	ItemName    string     `json:"item_name"`
	Quantity    int        `json:"quantity"`
	Modifiers   []string   `json:"modifiers,omitempty"`
	Priority    int        `json:"priority"`
	RecallCount int        `json:"recall_count"`
	Notes       string     `json:"notes,omitempty"`
	BumpedBy    *ActorID   `json:"bumped_by,omitempty"`
	RoutedAt    time.Time  `json:"routed_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Denormalized data for display purposes
	TableRef    string `json:"table_ref,omitempty"`
	StationName string `json:"station_name,omitempty"`
}

// State derives the entry state from timestamp nullability.
func (e *RoutingEntry) State() EntryState {
	switch {
	case e.CancelledAt != nil:
		return EntryCancelled
	case e.CompletedAt != nil:
		return EntryCompleted
	case e.StartedAt != nil:
		return EntryStarted
	default:
		return EntryRouted
	}
}

// Open reports whether the entry still needs work on its station.
func (e *RoutingEntry) Open() bool {
	s := e.State()
	return s == EntryRouted || s == EntryStarted
}

// StationConfig carries per-station display and alerting knobs.
type StationConfig struct {
	QueueWarnThreshold int           `json:"queue_warn_threshold"`
	PrepTimeCritical   time.Duration `json:"prep_time_critical"`
	OverdueAfter       time.Duration `json:"overdue_after"`
	RecallWindow       time.Duration `json:"recall_window"` // zero = unlimited
	SoundOnNew         bool          `json:"sound_on_new"`
	AutoAdvance        bool          `json:"auto_advance"`
}

type Station struct {
	ID           StationID       `json:"id"`
	Name         string          `json:"name"`
	Category     StationCategory `json:"category"`
	Active       bool            `json:"active"`
	DisplayOrder int             `json:"display_order"`
	Config       StationConfig   `json:"config"`
}

type TransitionType string

const (
	TransitionStart    TransitionType = "start"
	TransitionBump     TransitionType = "bump"
	TransitionRecall   TransitionType = "recall"
	TransitionPriority TransitionType = "set_priority"
	TransitionCancel   TransitionType = "cancel"
)

// Transition is a conditional single-row write: it only applies while the
// entry is still in Expected state.
type Transition struct {
	Type     TransitionType
	Expected EntryState
	Actor    *ActorID
	Priority *int
	Note     string
	At       time.Time
}

type EntryFilter struct {
	StationID *StationID
	OrderID   *OrderID
	TableRef  *string
	Open      *bool
	Since     *time.Time
	Limit     int
}

// BulkScope selects the open entries a bulk bump applies to. Exactly one
// field must be set.
type BulkScope struct {
	StationID *StationID
	TableRef  *string
}

type BulkFailure struct {
	EntryID EntryID `json:"entry_id"`
	Reason  string  `json:"reason"`
}

// BulkResult reports per-entry outcomes; a bulk bump never fails atomically.
type BulkResult struct {
	Bumped []EntryID     `json:"bumped"`
	Failed []BulkFailure `json:"failed,omitempty"`
}
