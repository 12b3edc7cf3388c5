package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ActionType string

const (
	ActionTypeSoft         ActionType = "soft"
	ActionTypeForced       ActionType = "forced"
	ActionTypeTimeForced   ActionType = "timeforced"
	ActionTypeDownloadOnly ActionType = "download_only"
)

// ActionState is used both for the action lifecycle itself and for the
// status codes devices report back.
type ActionState string

const (
	ActionStateScheduled ActionState = "scheduled"
	ActionStateRunning   ActionState = "running"
	ActionStateDownload  ActionState = "download"
	ActionStateRetrieved ActionState = "retrieved"
	ActionStateWarning   ActionState = "warning"
	ActionStateCanceling ActionState = "canceling"
	ActionStateCanceled  ActionState = "canceled"
	ActionStateFinished  ActionState = "finished"
	ActionStateError     ActionState = "error"
)

// Terminal reports whether the state closes the action for good.
func (s ActionState) Terminal() bool {
	return s == ActionStateFinished || s == ActionStateError || s == ActionStateCanceled
}

// Action is one deployment attempt of a distribution set to a target.
// Actions are never deleted, only superseded by newer ones.
type Action struct {
	ID                uuid.UUID   `json:"id"`
	TargetID          uuid.UUID   `json:"target_id"`
	DistributionSetID uuid.UUID   `json:"distribution_set_id"`
	Type              ActionType  `json:"type"`
	ForcedTime        int64       `json:"forced_time,omitempty"` // epoch ms, timeforced only
	State             ActionState `json:"state"`
	Active            bool        `json:"active"`
	RolloutID         *uuid.UUID  `json:"rollout_id,omitempty"`
	RolloutGroupID    *uuid.UUID  `json:"rollout_group_id,omitempty"`
	Revision          int64       `json:"revision"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// IsForced reports whether the action must be applied unconditionally at the
// given evaluation time. Soft and download-only actions are never forced.
func (a *Action) IsForced(now time.Time) bool {
	switch a.Type {
	case ActionTypeForced:
		return true
	case ActionTypeTimeForced:
		return now.UnixMilli() >= a.ForcedTime
	default:
		return false
	}
}

// ActionStatus is one immutable feedback/audit event attached to an action.
// The id is an ascending sequence and defines the total order per action.
type ActionStatus struct {
	ID         int64       `json:"id"`
	ActionID   uuid.UUID   `json:"action_id"`
	Code       ActionState `json:"code"`
	Messages   []string    `json:"messages,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

type ActionRepository interface {
	Create(ctx context.Context, a *Action) error
	CreateBatch(ctx context.Context, actions []*Action) error
	GetByID(ctx context.Context, id uuid.UUID) (*Action, error)

	// Update persists state, active flag, type and forced time under the
	// optimistic-lock revision carried by the action.
	Update(ctx context.Context, a *Action) error

	FindByTarget(ctx context.Context, targetID uuid.UUID) ([]*Action, error)
	FindActiveByTarget(ctx context.Context, targetID uuid.UUID) ([]*Action, error)
	FindScheduledByTarget(ctx context.Context, targetID uuid.UUID) ([]*Action, error)
	FindByRolloutAndState(ctx context.Context, rolloutID uuid.UUID, state ActionState) ([]*Action, error)
	FindByRolloutGroup(ctx context.Context, groupID uuid.UUID) ([]*Action, error)
	CountByRolloutGroup(ctx context.Context, groupID uuid.UUID) (map[ActionState]int, error)
	CountByRollout(ctx context.Context, rolloutID uuid.UUID) (map[ActionState]int, error)
}

type ActionStatusRepository interface {
	Append(ctx context.Context, s *ActionStatus) error
	ListByAction(ctx context.Context, actionID uuid.UUID, page, perPage int) ([]*ActionStatus, int, error)
}
