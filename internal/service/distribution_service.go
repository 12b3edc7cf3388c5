package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// DistributionSetService fronts the software catalog. Sets are registered by
// an external build pipeline and immutable afterwards.
type DistributionSetService struct {
	dsRepo domain.DistributionSetRepository
	log    *slog.Logger
}

func NewDistributionSetService(dsRepo domain.DistributionSetRepository, log *slog.Logger) *DistributionSetService {
	return &DistributionSetService{
		dsRepo: dsRepo,
		log:    log,
	}
}

func (s *DistributionSetService) Create(ctx context.Context, name, version string, complete bool) (*domain.DistributionSet, error) {
	if name == "" || version == "" {
		return nil, fmt.Errorf("%w: name and version are required", domain.ErrInvalidInput)
	}

	ds := &domain.DistributionSet{
		ID:       uuid.New(),
		Name:     name,
		Version:  version,
		Complete: complete,
	}
	if err := s.dsRepo.Create(ctx, ds); err != nil {
		return nil, err
	}

	s.log.Info("distribution set created", "name", name, "version", version, "complete", complete)
	return ds, nil
}

func (s *DistributionSetService) GetByID(ctx context.Context, id uuid.UUID) (*domain.DistributionSet, error) {
	return s.dsRepo.GetByID(ctx, id)
}

func (s *DistributionSetService) List(ctx context.Context, page, perPage int) ([]*domain.DistributionSet, int, error) {
	return s.dsRepo.List(ctx, page, perPage)
}
