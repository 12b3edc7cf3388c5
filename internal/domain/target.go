package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TargetUpdateStatus string

const (
	TargetStatusUnknown    TargetUpdateStatus = "unknown"
	TargetStatusRegistered TargetUpdateStatus = "registered"
	TargetStatusPending    TargetUpdateStatus = "pending"
	TargetStatusInSync     TargetUpdateStatus = "in_sync"
	TargetStatusError      TargetUpdateStatus = "error"
)

type Target struct {
	ID             uuid.UUID          `json:"id"`
	ControllerID   string             `json:"controller_id"`
	AssignedSetID  *uuid.UUID         `json:"assigned_set_id,omitempty"`
	InstalledSetID *uuid.UUID         `json:"installed_set_id,omitempty"`
	UpdateStatus   TargetUpdateStatus `json:"update_status"`
	AuthTokenHash  string             `json:"-"`
	Revision       int64              `json:"revision"`
	LastContact    *time.Time         `json:"last_contact,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type TargetFilter struct {
	UpdateStatus *TargetUpdateStatus
	Page         int
	PerPage      int
}

// TargetRepository is the target registry collaborator. Filter-query
// evaluation lives behind MatchFilter; this core only consumes the matched
// id set, ordered ascending by controller id.
type TargetRepository interface {
	Create(ctx context.Context, t *Target) error
	GetByID(ctx context.Context, id uuid.UUID) (*Target, error)
	GetByControllerID(ctx context.Context, controllerID string) (*Target, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*Target, error)
	List(ctx context.Context, filter TargetFilter) ([]*Target, int, error)
	MatchFilter(ctx context.Context, filterQuery string) ([]uuid.UUID, error)

	// Update persists all mutable fields. The write is rejected with
	// ErrStaleRevision when t.Revision no longer matches storage; on
	// success the stored and in-memory revision are incremented.
	Update(ctx context.Context, t *Target) error
	UpdateAuthToken(ctx context.Context, id uuid.UUID, tokenHash string) error
	UpdateLastContact(ctx context.Context, id uuid.UUID) error
}
