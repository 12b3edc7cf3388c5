package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RolloutStatus string

const (
	RolloutStatusCreating           RolloutStatus = "creating"
	RolloutStatusWaitingForApproval RolloutStatus = "waiting_for_approval"
	RolloutStatusApprovalDenied     RolloutStatus = "approval_denied"
	RolloutStatusReady              RolloutStatus = "ready"
	RolloutStatusRunning            RolloutStatus = "running"
	RolloutStatusPaused             RolloutStatus = "paused"
	RolloutStatusFinished           RolloutStatus = "finished"
	RolloutStatusStopped            RolloutStatus = "stopped"
	RolloutStatusDeleting           RolloutStatus = "deleting"
	RolloutStatusDeleted            RolloutStatus = "deleted"
)

type RolloutGroupStatus string

const (
	GroupStatusReady     RolloutGroupStatus = "ready"
	GroupStatusScheduled RolloutGroupStatus = "scheduled"
	GroupStatusRunning   RolloutGroupStatus = "running"
	GroupStatusFinished  RolloutGroupStatus = "finished"
	GroupStatusError     RolloutGroupStatus = "error"
)

// ConditionKind selects the evaluation function for a group condition.
// Only threshold conditions exist today; the kind keeps the expression
// strings self-describing in storage.
type ConditionKind string

const ConditionThreshold ConditionKind = "threshold"

// GroupActionKind selects what happens when a condition fires.
type GroupActionKind string

const (
	GroupActionNextGroup GroupActionKind = "nextgroup"
	GroupActionPause     GroupActionKind = "pause"
)

// RolloutGroupConditions holds the success/error criteria applied to a
// group. Expressions are percentages of the group's own target total.
type RolloutGroupConditions struct {
	SuccessCondition    ConditionKind   `json:"success_condition"`
	SuccessConditionExp string          `json:"success_condition_exp"`
	SuccessAction       GroupActionKind `json:"success_action"`
	ErrorCondition      ConditionKind   `json:"error_condition"`
	ErrorConditionExp   string          `json:"error_condition_exp"`
	ErrorAction         GroupActionKind `json:"error_action"`
}

// Rollout is a fleet-wide deployment campaign over targets matching a
// filter query, progressed group by group.
type Rollout struct {
	ID                uuid.UUID     `json:"id"`
	Name              string        `json:"name"`
	FilterQuery       string        `json:"filter_query"`
	DistributionSetID uuid.UUID     `json:"distribution_set_id"`
	ActionType        ActionType    `json:"action_type"`
	ForcedTime        int64         `json:"forced_time,omitempty"`
	Status            RolloutStatus `json:"status"`
	TotalTargets      int           `json:"total_targets"`
	RequiresApproval  bool          `json:"requires_approval"`
	Revision          int64         `json:"revision"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// RolloutGroup is one ordered partition of a rollout's targets. Membership
// is fixed at rollout creation and never re-evaluated.
type RolloutGroup struct {
	ID           uuid.UUID              `json:"id"`
	RolloutID    uuid.UUID              `json:"rollout_id"`
	Seq          int                    `json:"seq"`
	Name         string                 `json:"name"`
	Status       RolloutGroupStatus     `json:"status"`
	Conditions   RolloutGroupConditions `json:"conditions"`
	TotalTargets int                    `json:"total_targets"`
	ParentID     *uuid.UUID             `json:"parent_id,omitempty"`
	Revision     int64                  `json:"revision"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// TargetStatusCounts aggregates rollout/group progress into the synthetic
// per-target categories surfaced to operators. NotStarted means no action
// has been created yet for that target; Ready means a scheduled action
// exists.
type TargetStatusCounts struct {
	NotStarted int `json:"not_started"`
	Ready      int `json:"ready"`
	Running    int `json:"running"`
	Finished   int `json:"finished"`
	Error      int `json:"error"`
}

type RolloutFilter struct {
	Status  *RolloutStatus
	Page    int
	PerPage int
}

type RolloutRepository interface {
	Create(ctx context.Context, r *Rollout) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rollout, error)
	Update(ctx context.Context, r *Rollout) error
	List(ctx context.Context, filter RolloutFilter) ([]*Rollout, int, error)
	FindByStatus(ctx context.Context, status RolloutStatus, limit int) ([]*Rollout, error)
}

type RolloutGroupRepository interface {
	Create(ctx context.Context, g *RolloutGroup) error
	GetByID(ctx context.Context, id uuid.UUID) (*RolloutGroup, error)
	Update(ctx context.Context, g *RolloutGroup) error
	FindByRollout(ctx context.Context, rolloutID uuid.UUID) ([]*RolloutGroup, error)
	FindByRolloutAndStatus(ctx context.Context, rolloutID uuid.UUID, status RolloutGroupStatus) ([]*RolloutGroup, error)

	// Group membership, written once at rollout creation.
	AddTargets(ctx context.Context, groupID uuid.UUID, targetIDs []uuid.UUID) error
	GetTargetIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}
