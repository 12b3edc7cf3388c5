package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AssignmentEvent tells the (external) polling protocol that a target has a
// new action to fetch.
type AssignmentEvent struct {
	ActionID          uuid.UUID `json:"action_id"`
	ControllerID      string    `json:"controller_id"`
	DistributionSetID uuid.UUID `json:"distribution_set_id"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// CancelEvent tells the polling protocol to stop an in-flight action. The
// device still has to confirm via feedback before the action closes.
type CancelEvent struct {
	ActionID     uuid.UUID `json:"action_id"`
	ControllerID string    `json:"controller_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventSink receives assignment and cancellation notifications. The engine
// writes to it synchronously within the same logical transaction; delivery
// to devices is owned by the excluded protocol layer.
type EventSink interface {
	PublishAssignment(ctx context.Context, ev AssignmentEvent) error
	PublishCancel(ctx context.Context, ev CancelEvent) error
}
