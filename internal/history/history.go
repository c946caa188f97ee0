package history

import (
	"context"
	"time"
)

// EventType defines the kind of status event.
type EventType string

const (
	EventOpened EventType = "opened"
	EventReset  EventType = "reset"
)

// Event is exported to analytics systems after a status change.
// Opened events carry the client and record id; reset events carry the count.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	ClientName   string    `json:"client_name,omitempty"`
	RecordID     string    `json:"record_id,omitempty"`
	DeletedCount int64     `json:"deleted_count,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the default table/index name used by the SQL and ClickHouse sinks.
const Table = "status_history"
