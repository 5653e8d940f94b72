package event

import "time"

const (
	EntriesTopic = "kds.entries"
	OrdersTopic  = "kds.orders"
	AlertsTopic  = "kds.alerts"

	EventEntryRouted        = "kds.entry.routed"
	EventEntryStatusChanged = "kds.entry.status_changed"
	EventOrderStatusChanged = "kds.order.status_changed"
	EventAlertRaised        = "kds.alert.raised"
	EventAlertCleared       = "kds.alert.cleared"
)

type EntryEventMetadata struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	EntryID    string    `json:"entry_id"`
	OrderID    string    `json:"order_id"`
	StationID  string    `json:"station_id"`

	// Denormalized data for display clients
	ItemName    string `json:"item_name,omitempty"`
	StationName string `json:"station_name,omitempty"`
	TableRef    string `json:"table_ref,omitempty"`
}

type EntryRoutedEvent struct {
	EntryEventMetadata
	Sequence int    `json:"sequence"`
	Priority int    `json:"priority"`
	Notes    string `json:"notes,omitempty"`
}

type EntryStatusChangedEvent struct {
	EntryEventMetadata
	NewState      string     `json:"new_state"`
	PreviousState string     `json:"previous_state"`
	Priority      int        `json:"priority"`
	RecallCount   int        `json:"recall_count"`
	BumpedBy      string     `json:"bumped_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	RoutedAt      time.Time  `json:"routed_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

type OrderStatusChangedEvent struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	OrderID        string    `json:"order_id"`
	TableRef       string    `json:"table_ref,omitempty"`
	NewStatus      string    `json:"new_status"`
	PreviousStatus string    `json:"previous_status"`
}

type AlertEvent struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	AlertID    string    `json:"alert_id"`
	StationID  string    `json:"station_id"`
	Severity   string    `json:"severity"`
	Condition  string    `json:"condition"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
}
