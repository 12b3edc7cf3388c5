package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type targetTestEnv struct {
	svc        *TargetService
	targetRepo *mockTargetRepo
}

func newTestTargetService() *targetTestEnv {
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	targetRepo := newMockTargetRepo()
	return &targetTestEnv{
		svc:        NewTargetService(targetRepo, log),
		targetRepo: targetRepo,
	}
}

func TestTargetService_Register(t *testing.T) {
	env := newTestTargetService()
	ctx := context.Background()

	target, token, err := env.svc.Register(ctx, "gw-001")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if token == "" {
		t.Error("expected a non-empty token")
	}
	if target.ControllerID != "gw-001" {
		t.Errorf("ControllerID = %q, want gw-001", target.ControllerID)
	}
	if target.UpdateStatus != domain.TargetStatusRegistered {
		t.Errorf("UpdateStatus = %q, want registered", target.UpdateStatus)
	}
	if target.AuthTokenHash == token {
		t.Error("stored hash must not equal the plaintext token")
	}

	stored, err := env.targetRepo.GetByControllerID(ctx, "gw-001")
	if err != nil {
		t.Fatalf("GetByControllerID() error = %v", err)
	}
	if stored.AuthTokenHash == "" {
		t.Error("expected token hash to be persisted")
	}
}

func TestTargetService_Register_EmptyControllerID(t *testing.T) {
	env := newTestTargetService()

	_, _, err := env.svc.Register(context.Background(), "")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestTargetService_Authenticate(t *testing.T) {
	env := newTestTargetService()
	ctx := context.Background()

	_, token, err := env.svc.Register(ctx, "gw-001")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	target, err := env.svc.Authenticate(ctx, "gw-001", token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if target.ControllerID != "gw-001" {
		t.Errorf("ControllerID = %q, want gw-001", target.ControllerID)
	}

	stored, err := env.targetRepo.GetByControllerID(ctx, "gw-001")
	if err != nil {
		t.Fatalf("GetByControllerID() error = %v", err)
	}
	if stored.LastContact == nil {
		t.Error("expected Authenticate to stamp last contact")
	}
}

func TestTargetService_Authenticate_WrongToken(t *testing.T) {
	env := newTestTargetService()
	ctx := context.Background()

	if _, _, err := env.svc.Register(ctx, "gw-001"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := env.svc.Authenticate(ctx, "gw-001", "not-the-token"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestTargetService_Authenticate_UnknownTarget(t *testing.T) {
	env := newTestTargetService()

	_, err := env.svc.Authenticate(context.Background(), "ghost", "whatever")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestTargetService_RotateToken(t *testing.T) {
	env := newTestTargetService()
	ctx := context.Background()

	_, oldToken, err := env.svc.Register(ctx, "gw-001")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	newToken, err := env.svc.RotateToken(ctx, "gw-001")
	if err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}
	if newToken == oldToken {
		t.Error("rotation must issue a different token")
	}

	if _, err := env.svc.Authenticate(ctx, "gw-001", oldToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("old token: error = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Authenticate(ctx, "gw-001", newToken); err != nil {
		t.Errorf("new token: Authenticate() error = %v", err)
	}
}
