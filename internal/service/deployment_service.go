package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// maxRevisionRetries bounds how often a read-modify-write is replayed after
// an optimistic-lock conflict before the conflict is surfaced.
const maxRevisionRetries = 3

// DeploymentService owns the target/distribution-set assignment, the action
// state machine, supersession of stale actions and the derivation of target
// update status from device feedback.
type DeploymentService struct {
	actionRepo domain.ActionRepository
	targetRepo domain.TargetRepository
	dsRepo     domain.DistributionSetRepository
	statusLog  *StatusLogService
	events     domain.EventSink
	chunkSize  int
	log        *slog.Logger
}

func NewDeploymentService(
	actionRepo domain.ActionRepository,
	targetRepo domain.TargetRepository,
	dsRepo domain.DistributionSetRepository,
	statusLog *StatusLogService,
	events domain.EventSink,
	chunkSize int,
	log *slog.Logger,
) *DeploymentService {
	if chunkSize < 1 {
		chunkSize = 1000
	}
	return &DeploymentService{
		actionRepo: actionRepo,
		targetRepo: targetRepo,
		dsRepo:     dsRepo,
		statusLog:  statusLog,
		events:     events,
		chunkSize:  chunkSize,
		log:        log,
	}
}

// AssignmentRequest is one (target, action type, forced time) tuple of a
// batch assignment.
type AssignmentRequest struct {
	ControllerID string
	ActionType   domain.ActionType
	ForcedTime   int64
}

// AssignmentResult distinguishes newly assigned targets from targets that
// already had the set assigned and from targets that failed independently.
type AssignmentResult struct {
	Assigned        []string          `json:"assigned"`
	AlreadyAssigned []string          `json:"already_assigned"`
	Failed          map[string]string `json:"failed,omitempty"`
	ActionIDs       []uuid.UUID       `json:"action_ids"`
}

// AssignDistributionSet assigns a distribution set to one or more targets,
// creating active running actions and superseding whatever was active
// before. The set must be complete; otherwise no action is created at all.
func (s *DeploymentService) AssignDistributionSet(ctx context.Context, setID uuid.UUID, requests []AssignmentRequest) (*AssignmentResult, error) {
	return s.assign(ctx, setID, requests, nil, nil)
}

// AssignForRolloutGroup is the rollout-orchestrator entry point: identical
// to AssignDistributionSet but stamps the created actions with their
// rollout/group back-references.
func (s *DeploymentService) AssignForRolloutGroup(ctx context.Context, setID uuid.UUID, requests []AssignmentRequest, rolloutID, groupID uuid.UUID) (*AssignmentResult, error) {
	return s.assign(ctx, setID, requests, &rolloutID, &groupID)
}

func (s *DeploymentService) assign(ctx context.Context, setID uuid.UUID, requests []AssignmentRequest, rolloutID, groupID *uuid.UUID) (*AssignmentResult, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no targets given", domain.ErrInvalidInput)
	}

	set, err := s.dsRepo.GetByID(ctx, setID)
	if err != nil {
		return nil, fmt.Errorf("distribution set: %w", err)
	}
	if !set.Complete {
		return nil, fmt.Errorf("%w: %s", domain.ErrIncompleteSet, set.ID)
	}

	result := &AssignmentResult{Failed: map[string]string{}}

	// Chunking bounds per-statement row counts only; each target still
	// succeeds or fails on its own.
	for start := 0; start < len(requests); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(requests) {
			end = len(requests)
		}
		for _, req := range requests[start:end] {
			actionID, already, err := s.assignOne(ctx, set, req, rolloutID, groupID)
			switch {
			case err != nil:
				s.log.Warn("assignment failed", "controller", req.ControllerID, "set", set.ID, "err", err)
				result.Failed[req.ControllerID] = err.Error()
			case already:
				result.AlreadyAssigned = append(result.AlreadyAssigned, req.ControllerID)
			default:
				result.Assigned = append(result.Assigned, req.ControllerID)
				result.ActionIDs = append(result.ActionIDs, actionID)
			}
		}
	}

	s.log.Info("distribution set assigned",
		"set", set.ID,
		"assigned", len(result.Assigned),
		"already_assigned", len(result.AlreadyAssigned),
		"failed", len(result.Failed),
	)
	return result, nil
}

func (s *DeploymentService) assignOne(ctx context.Context, set *domain.DistributionSet, req AssignmentRequest, rolloutID, groupID *uuid.UUID) (uuid.UUID, bool, error) {
	target, err := s.targetRepo.GetByControllerID(ctx, req.ControllerID)
	if err != nil {
		return uuid.Nil, false, err
	}

	// Same set already assigned: leave the existing action untouched.
	if target.AssignedSetID != nil && *target.AssignedSetID == set.ID {
		return uuid.Nil, true, nil
	}

	if err := s.supersedeActiveActions(ctx, target); err != nil {
		return uuid.Nil, false, err
	}
	if err := s.cancelScheduledActions(ctx, target.ID); err != nil {
		return uuid.Nil, false, err
	}

	action := &domain.Action{
		ID:                uuid.New(),
		TargetID:          target.ID,
		DistributionSetID: set.ID,
		Type:              req.ActionType,
		ForcedTime:        req.ForcedTime,
		State:             domain.ActionStateRunning,
		Active:            true,
		RolloutID:         rolloutID,
		RolloutGroupID:    groupID,
	}
	if err := s.actionRepo.Create(ctx, action); err != nil {
		return uuid.Nil, false, fmt.Errorf("create action: %w", err)
	}
	if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateRunning, "assignment created"); err != nil {
		return uuid.Nil, false, err
	}

	err = s.updateTarget(ctx, target.ID, func(t *domain.Target) {
		t.AssignedSetID = &set.ID
		t.UpdateStatus = domain.TargetStatusPending
	})
	if err != nil {
		return uuid.Nil, false, err
	}

	if err := s.events.PublishAssignment(ctx, domain.AssignmentEvent{
		ActionID:          action.ID,
		ControllerID:      target.ControllerID,
		DistributionSetID: set.ID,
		OccurredAt:        time.Now(),
	}); err != nil {
		return uuid.Nil, false, fmt.Errorf("publish assignment event: %w", err)
	}

	return action.ID, false, nil
}

// supersedeActiveActions moves every still-active action of the target into
// canceling and notifies the device. The old action stays open until the
// device confirms the cancellation.
func (s *DeploymentService) supersedeActiveActions(ctx context.Context, target *domain.Target) error {
	active, err := s.actionRepo.FindActiveByTarget(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("find active actions: %w", err)
	}
	for _, act := range active {
		if act.State == domain.ActionStateCanceling || act.State.Terminal() {
			continue
		}
		err := s.updateAction(ctx, act.ID, func(a *domain.Action) {
			a.State = domain.ActionStateCanceling
		})
		if err != nil {
			return err
		}
		if _, err := s.statusLog.Append(ctx, act.ID, domain.ActionStateCanceling, "superseded by newer assignment"); err != nil {
			return err
		}
		if err := s.events.PublishCancel(ctx, domain.CancelEvent{
			ActionID:     act.ID,
			ControllerID: target.ControllerID,
			OccurredAt:   time.Now(),
		}); err != nil {
			return fmt.Errorf("publish cancel event: %w", err)
		}
	}
	return nil
}

// cancelScheduledActions closes not-yet-started scheduled actions outright;
// the device never saw them, so no confirmation round-trip is needed.
func (s *DeploymentService) cancelScheduledActions(ctx context.Context, targetID uuid.UUID) error {
	scheduled, err := s.actionRepo.FindScheduledByTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("find scheduled actions: %w", err)
	}
	for _, act := range scheduled {
		err := s.updateAction(ctx, act.ID, func(a *domain.Action) {
			a.State = domain.ActionStateCanceled
			a.Active = false
		})
		if err != nil {
			return err
		}
		if _, err := s.statusLog.Append(ctx, act.ID, domain.ActionStateCanceled, "scheduled action replaced"); err != nil {
			return err
		}
	}
	return nil
}

// CreateScheduledActions creates inactive scheduled actions for the targets
// of a later rollout group. They become device-visible only once the group
// is started.
func (s *DeploymentService) CreateScheduledActions(ctx context.Context, rollout *domain.Rollout, group *domain.RolloutGroup, targetIDs []uuid.UUID) error {
	for start := 0; start < len(targetIDs); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(targetIDs) {
			end = len(targetIDs)
		}
		chunk := targetIDs[start:end]

		actions := make([]*domain.Action, 0, len(chunk))
		for _, tid := range chunk {
			if err := s.cancelScheduledActions(ctx, tid); err != nil {
				return err
			}
			actions = append(actions, &domain.Action{
				ID:                uuid.New(),
				TargetID:          tid,
				DistributionSetID: rollout.DistributionSetID,
				Type:              rollout.ActionType,
				ForcedTime:        rollout.ForcedTime,
				State:             domain.ActionStateScheduled,
				Active:            false,
				RolloutID:         &rollout.ID,
				RolloutGroupID:    &group.ID,
			})
		}
		if err := s.actionRepo.CreateBatch(ctx, actions); err != nil {
			return fmt.Errorf("create scheduled actions: %w", err)
		}
	}
	return nil
}

// StartScheduledActions switches a group's scheduled actions to running and
// makes them device-visible. Targets that already carry the set are closed
// as finished without another device round-trip.
func (s *DeploymentService) StartScheduledActions(ctx context.Context, rolloutID, groupID uuid.UUID) error {
	actions, err := s.actionRepo.FindByRolloutGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("find group actions: %w", err)
	}

	for _, act := range actions {
		if act.State != domain.ActionStateScheduled {
			continue
		}

		target, err := s.targetRepo.GetByID(ctx, act.TargetID)
		if err != nil {
			return err
		}

		if target.AssignedSetID != nil && *target.AssignedSetID == act.DistributionSetID {
			err := s.updateAction(ctx, act.ID, func(a *domain.Action) {
				a.State = domain.ActionStateFinished
				a.Active = false
			})
			if err != nil {
				return err
			}
			if _, err := s.statusLog.Append(ctx, act.ID, domain.ActionStateFinished, "distribution set already assigned"); err != nil {
				return err
			}
			continue
		}

		if err := s.supersedeActiveActions(ctx, target); err != nil {
			return err
		}
		err = s.updateAction(ctx, act.ID, func(a *domain.Action) {
			a.State = domain.ActionStateRunning
			a.Active = true
		})
		if err != nil {
			return err
		}
		if _, err := s.statusLog.Append(ctx, act.ID, domain.ActionStateRunning, "rollout group started"); err != nil {
			return err
		}

		setID := act.DistributionSetID
		err = s.updateTarget(ctx, target.ID, func(t *domain.Target) {
			t.AssignedSetID = &setID
			t.UpdateStatus = domain.TargetStatusPending
		})
		if err != nil {
			return err
		}
		if err := s.events.PublishAssignment(ctx, domain.AssignmentEvent{
			ActionID:          act.ID,
			ControllerID:      target.ControllerID,
			DistributionSetID: setID,
			OccurredAt:        time.Now(),
		}); err != nil {
			return fmt.Errorf("publish assignment event: %w", err)
		}
	}
	return nil
}

// AddUpdateActionStatus processes one device-reported status. Every report
// lands in the status log; terminal codes drive the action state machine
// and the derived target update status. Re-reporting the same terminal code
// is a no-op besides the audit entry; conflicting reports on a closed
// action are rejected.
func (s *DeploymentService) AddUpdateActionStatus(ctx context.Context, actionID uuid.UUID, code domain.ActionState, messages ...string) error {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return err
	}

	switch code {
	case domain.ActionStateFinished:
		return s.handleFinished(ctx, action, messages)
	case domain.ActionStateError:
		return s.handleError(ctx, action, messages)
	case domain.ActionStateCanceled:
		return s.handleCancelConfirmation(ctx, action, messages)
	case domain.ActionStateScheduled:
		return fmt.Errorf("%w: %q is not a reportable status", domain.ErrInvalidInput, code)
	default:
		// Intermediate feedback (running, download, retrieved, warning)
		// only extends the history.
		if action.State.Terminal() {
			s.log.Warn("feedback for closed action rejected", "action", action.ID, "state", action.State, "reported", code)
			return fmt.Errorf("%w: action is %s", domain.ErrActionClosed, action.State)
		}
		_, err := s.statusLog.Append(ctx, action.ID, code, messages...)
		return err
	}
}

func (s *DeploymentService) handleFinished(ctx context.Context, action *domain.Action, messages []string) error {
	if action.State == domain.ActionStateFinished {
		_, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateFinished, messages...)
		return err
	}
	if action.State.Terminal() {
		s.log.Warn("finished reported for closed action", "action", action.ID, "state", action.State)
		return fmt.Errorf("%w: action is %s", domain.ErrActionClosed, action.State)
	}

	err := s.updateAction(ctx, action.ID, func(a *domain.Action) {
		a.State = domain.ActionStateFinished
		a.Active = false
	})
	if err != nil {
		return err
	}
	if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateFinished, messages...); err != nil {
		return err
	}

	// The finished set is now installed. A later assignment may already be
	// active again; the target then stays pending on that newer set.
	remaining, err := s.actionRepo.FindActiveByTarget(ctx, action.TargetID)
	if err != nil {
		return fmt.Errorf("find active actions: %w", err)
	}
	installed := action.DistributionSetID
	return s.updateTarget(ctx, action.TargetID, func(t *domain.Target) {
		t.InstalledSetID = &installed
		if len(remaining) > 0 {
			next := remaining[0].DistributionSetID
			t.AssignedSetID = &next
			t.UpdateStatus = domain.TargetStatusPending
		} else {
			t.AssignedSetID = &installed
			t.UpdateStatus = domain.TargetStatusInSync
		}
	})
}

func (s *DeploymentService) handleError(ctx context.Context, action *domain.Action, messages []string) error {
	if action.State == domain.ActionStateError {
		_, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateError, messages...)
		return err
	}
	if action.State.Terminal() {
		s.log.Warn("error reported for closed action", "action", action.ID, "state", action.State)
		return fmt.Errorf("%w: action is %s", domain.ErrActionClosed, action.State)
	}

	err := s.updateAction(ctx, action.ID, func(a *domain.Action) {
		a.State = domain.ActionStateError
		a.Active = false
	})
	if err != nil {
		return err
	}
	if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateError, messages...); err != nil {
		return err
	}
	return s.updateTarget(ctx, action.TargetID, func(t *domain.Target) {
		t.UpdateStatus = domain.TargetStatusError
	})
}

func (s *DeploymentService) handleCancelConfirmation(ctx context.Context, action *domain.Action, messages []string) error {
	if action.State == domain.ActionStateCanceled {
		_, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateCanceled, messages...)
		return err
	}
	if action.State != domain.ActionStateCanceling {
		s.log.Warn("cancel confirmation for non-canceling action", "action", action.ID, "state", action.State)
		if action.State.Terminal() {
			return fmt.Errorf("%w: action is %s", domain.ErrActionClosed, action.State)
		}
		return fmt.Errorf("%w: action is %s, not canceling", domain.ErrInvalidInput, action.State)
	}

	err := s.updateAction(ctx, action.ID, func(a *domain.Action) {
		a.State = domain.ActionStateCanceled
		a.Active = false
	})
	if err != nil {
		return err
	}
	if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateCanceled, messages...); err != nil {
		return err
	}
	return s.settleCancellation(ctx, action.TargetID)
}

// settleCancellation recomputes the target's assigned set and update status
// after an action has been canceled: the next still-active action wins,
// otherwise the target falls back to its installed set.
func (s *DeploymentService) settleCancellation(ctx context.Context, targetID uuid.UUID) error {
	remaining, err := s.actionRepo.FindActiveByTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("find active actions: %w", err)
	}
	return s.updateTarget(ctx, targetID, func(t *domain.Target) {
		if len(remaining) > 0 {
			next := remaining[0].DistributionSetID
			t.AssignedSetID = &next
			t.UpdateStatus = domain.TargetStatusPending
			return
		}
		t.AssignedSetID = t.InstalledSetID
		if t.InstalledSetID != nil {
			t.UpdateStatus = domain.TargetStatusInSync
		} else {
			t.UpdateStatus = domain.TargetStatusUnknown
		}
	})
}

// CancelAction requests cooperative cancellation of an action. Running
// actions switch to canceling and wait for device confirmation; scheduled
// actions close immediately since no device ever saw them.
func (s *DeploymentService) CancelAction(ctx context.Context, actionID uuid.UUID) (*domain.Action, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}

	switch action.State {
	case domain.ActionStateRunning:
		target, err := s.targetRepo.GetByID(ctx, action.TargetID)
		if err != nil {
			return nil, err
		}
		err = s.updateAction(ctx, action.ID, func(a *domain.Action) {
			a.State = domain.ActionStateCanceling
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateCanceling, "manual cancellation requested"); err != nil {
			return nil, err
		}
		if err := s.events.PublishCancel(ctx, domain.CancelEvent{
			ActionID:     action.ID,
			ControllerID: target.ControllerID,
			OccurredAt:   time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("publish cancel event: %w", err)
		}
	case domain.ActionStateScheduled:
		err = s.updateAction(ctx, action.ID, func(a *domain.Action) {
			a.State = domain.ActionStateCanceled
			a.Active = false
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateCanceled, "manual cancellation of scheduled action"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: action is %s", domain.ErrCancelNotAllowed, action.State)
	}

	return s.actionRepo.GetByID(ctx, actionID)
}

// ForceQuitAction closes a stuck canceling action without waiting for the
// device. This is the administrative override for lost cancellations.
func (s *DeploymentService) ForceQuitAction(ctx context.Context, actionID uuid.UUID) (*domain.Action, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.State != domain.ActionStateCanceling {
		return nil, fmt.Errorf("%w: action is %s, not canceling", domain.ErrForceQuitNotAllowed, action.State)
	}

	err = s.updateAction(ctx, action.ID, func(a *domain.Action) {
		a.State = domain.ActionStateCanceled
		a.Active = false
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.statusLog.Append(ctx, action.ID, domain.ActionStateCanceled, "force quit performed"); err != nil {
		return nil, err
	}
	if err := s.settleCancellation(ctx, action.TargetID); err != nil {
		return nil, err
	}
	return s.actionRepo.GetByID(ctx, actionID)
}

// ForceTargetAction switches an action to forced. Forcing an already forced
// action changes nothing; other type transitions are not exposed.
func (s *DeploymentService) ForceTargetAction(ctx context.Context, actionID uuid.UUID) (*domain.Action, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Type == domain.ActionTypeForced {
		return action, nil
	}
	err = s.updateAction(ctx, action.ID, func(a *domain.Action) {
		a.Type = domain.ActionTypeForced
	})
	if err != nil {
		return nil, err
	}
	return s.actionRepo.GetByID(ctx, actionID)
}

func (s *DeploymentService) GetAction(ctx context.Context, actionID uuid.UUID) (*domain.Action, error) {
	return s.actionRepo.GetByID(ctx, actionID)
}

func (s *DeploymentService) FindActiveActionsByTarget(ctx context.Context, controllerID string) ([]*domain.Action, error) {
	target, err := s.targetRepo.GetByControllerID(ctx, controllerID)
	if err != nil {
		return nil, err
	}
	return s.actionRepo.FindActiveByTarget(ctx, target.ID)
}

func (s *DeploymentService) FindActionsByTarget(ctx context.Context, controllerID string) ([]*domain.Action, error) {
	target, err := s.targetRepo.GetByControllerID(ctx, controllerID)
	if err != nil {
		return nil, err
	}
	return s.actionRepo.FindByTarget(ctx, target.ID)
}

func (s *DeploymentService) FindActionsByRolloutAndStatus(ctx context.Context, rolloutID uuid.UUID, state domain.ActionState) ([]*domain.Action, error) {
	return s.actionRepo.FindByRolloutAndState(ctx, rolloutID, state)
}

func (s *DeploymentService) updateAction(ctx context.Context, actionID uuid.UUID, mutate func(*domain.Action)) error {
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		action, err := s.actionRepo.GetByID(ctx, actionID)
		if err != nil {
			return err
		}
		mutate(action)
		err = s.actionRepo.Update(ctx, action)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleRevision) {
			return fmt.Errorf("update action: %w", err)
		}
	}
	return fmt.Errorf("update action %s: %w", actionID, domain.ErrStaleRevision)
}

func (s *DeploymentService) updateTarget(ctx context.Context, targetID uuid.UUID, mutate func(*domain.Target)) error {
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		target, err := s.targetRepo.GetByID(ctx, targetID)
		if err != nil {
			return err
		}
		mutate(target)
		err = s.targetRepo.Update(ctx, target)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleRevision) {
			return fmt.Errorf("update target: %w", err)
		}
	}
	return fmt.Errorf("update target %s: %w", targetID, domain.ErrStaleRevision)
}
