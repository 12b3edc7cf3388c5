package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/auth"
	"github.com/CaioWing/Flotilla/internal/domain"
)

// TargetService owns the target registry: registration, per-target token
// authentication and lookups for the management surface.
type TargetService struct {
	targetRepo domain.TargetRepository
	log        *slog.Logger
}

func NewTargetService(targetRepo domain.TargetRepository, log *slog.Logger) *TargetService {
	return &TargetService{
		targetRepo: targetRepo,
		log:        log,
	}
}

// Register creates a target and issues its auth token. The token is
// returned exactly once; only its hash is stored.
func (s *TargetService) Register(ctx context.Context, controllerID string) (*domain.Target, string, error) {
	if controllerID == "" {
		return nil, "", fmt.Errorf("%w: controller id is required", domain.ErrInvalidInput)
	}

	token, hash, err := auth.GenerateTargetToken()
	if err != nil {
		return nil, "", err
	}

	target := &domain.Target{
		ID:            uuid.New(),
		ControllerID:  controllerID,
		UpdateStatus:  domain.TargetStatusRegistered,
		AuthTokenHash: hash,
	}
	if err := s.targetRepo.Create(ctx, target); err != nil {
		return nil, "", err
	}

	s.log.Info("target registered", "controller", controllerID)
	return target, token, nil
}

// Authenticate validates a controller's token and stamps its last contact.
func (s *TargetService) Authenticate(ctx context.Context, controllerID, token string) (*domain.Target, error) {
	target, err := s.targetRepo.GetByControllerID(ctx, controllerID)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}

	hash := auth.HashToken(token)
	if target.AuthTokenHash == "" ||
		subtle.ConstantTimeCompare([]byte(hash), []byte(target.AuthTokenHash)) != 1 {
		return nil, domain.ErrUnauthorized
	}

	if err := s.targetRepo.UpdateLastContact(ctx, target.ID); err != nil {
		s.log.Warn("update last contact failed", "controller", controllerID, "err", err)
	}
	return target, nil
}

// RotateToken replaces the target's auth token, invalidating the old one.
func (s *TargetService) RotateToken(ctx context.Context, controllerID string) (string, error) {
	target, err := s.targetRepo.GetByControllerID(ctx, controllerID)
	if err != nil {
		return "", err
	}

	token, hash, err := auth.GenerateTargetToken()
	if err != nil {
		return "", err
	}
	if err := s.targetRepo.UpdateAuthToken(ctx, target.ID, hash); err != nil {
		return "", err
	}

	s.log.Info("target token rotated", "controller", controllerID)
	return token, nil
}

func (s *TargetService) GetByControllerID(ctx context.Context, controllerID string) (*domain.Target, error) {
	return s.targetRepo.GetByControllerID(ctx, controllerID)
}

func (s *TargetService) List(ctx context.Context, filter domain.TargetFilter) ([]*domain.Target, int, error) {
	return s.targetRepo.List(ctx, filter)
}
