package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// StatusLogService is the append-only record of status events per action.
// Entries are never updated or deleted; ListByAction pages through them in
// id-ascending order so consumers can restart from any point.
type StatusLogService struct {
	statusRepo domain.ActionStatusRepository
	log        *slog.Logger
}

func NewStatusLogService(statusRepo domain.ActionStatusRepository, log *slog.Logger) *StatusLogService {
	return &StatusLogService{
		statusRepo: statusRepo,
		log:        log,
	}
}

func (s *StatusLogService) Append(ctx context.Context, actionID uuid.UUID, code domain.ActionState, messages ...string) (*domain.ActionStatus, error) {
	entry := &domain.ActionStatus{
		ActionID:   actionID,
		Code:       code,
		Messages:   messages,
		OccurredAt: time.Now(),
	}
	if err := s.statusRepo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append action status: %w", err)
	}
	return entry, nil
}

func (s *StatusLogService) ListByAction(ctx context.Context, actionID uuid.UUID, page, perPage int) ([]*domain.ActionStatus, int, error) {
	return s.statusRepo.ListByAction(ctx, actionID, page, perPage)
}
