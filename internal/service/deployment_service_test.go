package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type deploymentTestEnv struct {
	svc        *DeploymentService
	actionRepo *mockActionRepo
	statusRepo *mockActionStatusRepo
	targetRepo *mockTargetRepo
	dsRepo     *mockDistributionSetRepo
	events     *mockEventSink
}

func newTestDeploymentService() *deploymentTestEnv {
	actionRepo := newMockActionRepo()
	statusRepo := newMockActionStatusRepo()
	targetRepo := newMockTargetRepo()
	dsRepo := newMockDistributionSetRepo()
	events := newMockEventSink()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	statusLog := NewStatusLogService(statusRepo, log)
	svc := NewDeploymentService(actionRepo, targetRepo, dsRepo, statusLog, events, 0, log)
	return &deploymentTestEnv{
		svc:        svc,
		actionRepo: actionRepo,
		statusRepo: statusRepo,
		targetRepo: targetRepo,
		dsRepo:     dsRepo,
		events:     events,
	}
}

func (e *deploymentTestEnv) createTarget(ctx context.Context, controllerID string) *domain.Target {
	t := &domain.Target{
		ControllerID: controllerID,
		UpdateStatus: domain.TargetStatusRegistered,
	}
	e.targetRepo.Create(ctx, t)
	return t
}

func (e *deploymentTestEnv) createSet(ctx context.Context, name string, complete bool) *domain.DistributionSet {
	ds := &domain.DistributionSet{
		Name:     name,
		Version:  "1.0.0",
		Complete: complete,
	}
	e.dsRepo.Create(ctx, ds)
	return ds
}

func (e *deploymentTestEnv) assignOne(ctx context.Context, t *testing.T, setID uuid.UUID, controllerID string) uuid.UUID {
	t.Helper()
	result, err := e.svc.AssignDistributionSet(ctx, setID, []AssignmentRequest{
		{ControllerID: controllerID, ActionType: domain.ActionTypeForced},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ActionIDs) != 1 {
		t.Fatalf("expected 1 action, got %d (failed: %v)", len(result.ActionIDs), result.Failed)
	}
	return result.ActionIDs[0]
}

func TestAssignDistributionSet_Success(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)

	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	action, err := env.svc.GetAction(ctx, actionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.State != domain.ActionStateRunning || !action.Active {
		t.Fatalf("expected active running action, got %s active=%v", action.State, action.Active)
	}

	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.UpdateStatus != domain.TargetStatusPending {
		t.Fatalf("expected pending target, got %s", updated.UpdateStatus)
	}
	if updated.AssignedSetID == nil || *updated.AssignedSetID != set.ID {
		t.Fatal("assigned set mismatch")
	}
	if env.events.assignmentCount() != 1 {
		t.Fatalf("expected 1 assignment event, got %d", env.events.assignmentCount())
	}
}

func TestAssignDistributionSet_AlreadyAssigned(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)

	env.assignOne(ctx, t, set.ID, "dev-001")
	result, err := env.svc.AssignDistributionSet(ctx, set.ID, []AssignmentRequest{
		{ControllerID: "dev-001", ActionType: domain.ActionTypeForced},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.AlreadyAssigned) != 1 || len(result.Assigned) != 0 {
		t.Fatalf("expected already-assigned, got %+v", result)
	}
	if env.events.cancelCount() != 0 {
		t.Fatal("re-assigning the same set must not cancel anything")
	}
}

func TestAssignDistributionSet_IncompleteSet(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", false)

	_, err := env.svc.AssignDistributionSet(ctx, set.ID, []AssignmentRequest{
		{ControllerID: "dev-001", ActionType: domain.ActionTypeForced},
	})
	if !errors.Is(err, domain.ErrIncompleteSet) {
		t.Fatalf("expected ErrIncompleteSet, got %v", err)
	}

	if len(env.actionRepo.order) != 0 {
		t.Fatal("no actions may be created for an incomplete set")
	}
}

func TestAssignDistributionSet_NoTargets(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	set := env.createSet(ctx, "firmware", true)
	_, err := env.svc.AssignDistributionSet(ctx, set.ID, nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAssignDistributionSet_UnknownTargetCollectedAsFailed(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)

	result, err := env.svc.AssignDistributionSet(ctx, set.ID, []AssignmentRequest{
		{ControllerID: "dev-001", ActionType: domain.ActionTypeForced},
		{ControllerID: "ghost", ActionType: domain.ActionTypeForced},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Assigned) != 1 {
		t.Fatalf("expected 1 assigned, got %d", len(result.Assigned))
	}
	if _, ok := result.Failed["ghost"]; !ok {
		t.Fatal("expected ghost in failed map")
	}
}

func TestAssignDistributionSet_SupersedesActiveAction(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	setA := env.createSet(ctx, "firmware-a", true)
	setB := env.createSet(ctx, "firmware-b", true)

	firstID := env.assignOne(ctx, t, setA.ID, "dev-001")
	secondID := env.assignOne(ctx, t, setB.ID, "dev-001")

	first, _ := env.svc.GetAction(ctx, firstID)
	if first.State != domain.ActionStateCanceling {
		t.Fatalf("expected superseded action canceling, got %s", first.State)
	}
	if !first.Active {
		t.Fatal("canceling action must stay active until the device confirms")
	}
	if env.events.cancelCount() != 1 {
		t.Fatalf("expected 1 cancel event, got %d", env.events.cancelCount())
	}

	second, _ := env.svc.GetAction(ctx, secondID)
	if second.State != domain.ActionStateRunning {
		t.Fatalf("expected new action running, got %s", second.State)
	}

	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.AssignedSetID == nil || *updated.AssignedSetID != setB.ID {
		t.Fatal("target must be assigned to the newer set")
	}
}

func TestAddUpdateActionStatus_Finished(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	if err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateFinished, "install ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	action, _ := env.svc.GetAction(ctx, actionID)
	if action.State != domain.ActionStateFinished || action.Active {
		t.Fatalf("expected inactive finished action, got %s active=%v", action.State, action.Active)
	}

	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.UpdateStatus != domain.TargetStatusInSync {
		t.Fatalf("expected in_sync, got %s", updated.UpdateStatus)
	}
	if updated.InstalledSetID == nil || *updated.InstalledSetID != set.ID {
		t.Fatal("installed set mismatch")
	}
	if updated.AssignedSetID == nil || *updated.AssignedSetID != set.ID {
		t.Fatal("assigned set must follow installed on in_sync")
	}
}

func TestAddUpdateActionStatus_FinishedIsIdempotent(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	if err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateFinished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateFinished, "repeat"); err != nil {
		t.Fatalf("repeated finished must be accepted: %v", err)
	}

	// assignment + two finished reports
	entries, total, _ := env.statusRepo.ListByAction(ctx, actionID, 1, 10)
	if total != 3 || len(entries) != 3 {
		t.Fatalf("expected 3 status entries, got %d", total)
	}
}

func TestAddUpdateActionStatus_ConflictingReportOnClosedAction(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	if err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateFinished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateError, "too late")
	if !errors.Is(err, domain.ErrActionClosed) {
		t.Fatalf("expected ErrActionClosed, got %v", err)
	}
}

func TestAddUpdateActionStatus_Error(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	if err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateError, "flash failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	action, _ := env.svc.GetAction(ctx, actionID)
	if action.State != domain.ActionStateError || action.Active {
		t.Fatalf("expected inactive error action, got %s active=%v", action.State, action.Active)
	}
	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.UpdateStatus != domain.TargetStatusError {
		t.Fatalf("expected error target status, got %s", updated.UpdateStatus)
	}
}

func TestAddUpdateActionStatus_IntermediateOnlyExtendsHistory(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	for _, code := range []domain.ActionState{domain.ActionStateDownload, domain.ActionStateRetrieved, domain.ActionStateWarning} {
		if err := env.svc.AddUpdateActionStatus(ctx, actionID, code); err != nil {
			t.Fatalf("unexpected error for %s: %v", code, err)
		}
	}

	action, _ := env.svc.GetAction(ctx, actionID)
	if action.State != domain.ActionStateRunning {
		t.Fatalf("intermediate feedback must not change the state, got %s", action.State)
	}
	_, total, _ := env.statusRepo.ListByAction(ctx, actionID, 1, 10)
	if total != 4 {
		t.Fatalf("expected 4 status entries, got %d", total)
	}
}

func TestAddUpdateActionStatus_ScheduledNotReportable(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	err := env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateScheduled)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCancelConfirmation_SettlesOnNewerAction(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	setA := env.createSet(ctx, "firmware-a", true)
	setB := env.createSet(ctx, "firmware-b", true)

	firstID := env.assignOne(ctx, t, setA.ID, "dev-001")
	env.assignOne(ctx, t, setB.ID, "dev-001")

	// Device confirms the cancellation of the superseded action.
	if err := env.svc.AddUpdateActionStatus(ctx, firstID, domain.ActionStateCanceled, "stopped"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, _ := env.svc.GetAction(ctx, firstID)
	if first.State != domain.ActionStateCanceled || first.Active {
		t.Fatalf("expected inactive canceled, got %s active=%v", first.State, first.Active)
	}

	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.UpdateStatus != domain.TargetStatusPending {
		t.Fatalf("target must stay pending on the newer action, got %s", updated.UpdateStatus)
	}
	if updated.AssignedSetID == nil || *updated.AssignedSetID != setB.ID {
		t.Fatal("assigned set must be the newer one")
	}
}

func TestCancelAction_RunningBecomesCanceling(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	action, err := env.svc.CancelAction(ctx, actionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.State != domain.ActionStateCanceling {
		t.Fatalf("expected canceling, got %s", action.State)
	}
	if !action.Active {
		t.Fatal("canceling action must stay active until confirmed")
	}
	if env.events.cancelCount() != 1 {
		t.Fatalf("expected 1 cancel event, got %d", env.events.cancelCount())
	}
}

func TestCancelAction_ClosedActionRejected(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")
	env.svc.AddUpdateActionStatus(ctx, actionID, domain.ActionStateFinished)

	_, err := env.svc.CancelAction(ctx, actionID)
	if !errors.Is(err, domain.ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}
}

func TestForceQuitAction(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	target := env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)
	actionID := env.assignOne(ctx, t, set.ID, "dev-001")

	// Force quit is only valid while canceling.
	if _, err := env.svc.ForceQuitAction(ctx, actionID); !errors.Is(err, domain.ErrForceQuitNotAllowed) {
		t.Fatalf("expected ErrForceQuitNotAllowed, got %v", err)
	}

	env.svc.CancelAction(ctx, actionID)
	action, err := env.svc.ForceQuitAction(ctx, actionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.State != domain.ActionStateCanceled || action.Active {
		t.Fatalf("expected inactive canceled, got %s active=%v", action.State, action.Active)
	}

	// Nothing was ever installed, so the target falls back to unknown.
	updated, _ := env.targetRepo.GetByID(ctx, target.ID)
	if updated.UpdateStatus != domain.TargetStatusUnknown {
		t.Fatalf("expected unknown, got %s", updated.UpdateStatus)
	}
	if updated.AssignedSetID != nil {
		t.Fatal("assigned set must be cleared without an installed set")
	}
}

func TestForceTargetAction_Idempotent(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	set := env.createSet(ctx, "firmware", true)

	result, err := env.svc.AssignDistributionSet(ctx, set.ID, []AssignmentRequest{
		{ControllerID: "dev-001", ActionType: domain.ActionTypeSoft},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	actionID := result.ActionIDs[0]

	action, err := env.svc.ForceTargetAction(ctx, actionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Type != domain.ActionTypeForced {
		t.Fatalf("expected forced, got %s", action.Type)
	}

	again, err := env.svc.ForceTargetAction(ctx, actionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Type != domain.ActionTypeForced {
		t.Fatalf("expected forced, got %s", again.Type)
	}
}

func TestFindActiveActionsByTarget(t *testing.T) {
	env := newTestDeploymentService()
	ctx := context.Background()

	env.createTarget(ctx, "dev-001")
	setA := env.createSet(ctx, "firmware-a", true)
	setB := env.createSet(ctx, "firmware-b", true)

	env.assignOne(ctx, t, setA.ID, "dev-001")
	secondID := env.assignOne(ctx, t, setB.ID, "dev-001")

	active, err := env.svc.FindActiveActionsByTarget(ctx, "dev-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active actions, got %d", len(active))
	}
	if active[0].ID != secondID {
		t.Fatal("newest action must come first")
	}
}
