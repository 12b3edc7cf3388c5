package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DistributionSet is a bundle of software modules owned by the (external)
// catalog. This core only ever reads it; Complete is maintained by the
// catalog once all mandatory module types are present.
type DistributionSet struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

type DistributionSetRepository interface {
	Create(ctx context.Context, ds *DistributionSet) error
	GetByID(ctx context.Context, id uuid.UUID) (*DistributionSet, error)
	List(ctx context.Context, page, perPage int) ([]*DistributionSet, int, error)
}
