// Package audit emits structured records of trainer mutations to PT records.
// Persisting and querying them is left to the consumers of the sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions emitted by the scheduling core.
const (
	ActionPtApproved         = "pt.approved"
	ActionPtRejected         = "pt.rejected"
	ActionRecordItemAdded    = "pt_record.item_added"
	ActionScheduleChanged    = "pt_record.schedule_changed"
	ActionChangeRequestReply = "change_request.responded"
)

// Actor identifies who performed the action.
type Actor struct {
	Role string `json:"role"`
	ID   int64  `json:"id"`
}

// Event is one audit record.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Actor      Actor     `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	Before     any       `json:"before,omitempty"`
	After      any       `json:"after,omitempty"`
	// OutsideWindow is set when the action happened outside the scheduled
	// session's [start, end) window.
	OutsideWindow bool      `json:"outside_window"`
	At            time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(actor Actor, action, entityType string, entityID int64, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		At:         at.UTC(),
	}
}

// Sink delivers events somewhere outside the core.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Emitter is what services depend on.
type Emitter interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
