package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// maxRolloutGroups caps how finely a rollout may be partitioned.
const maxRolloutGroups = 500

// RolloutService partitions targets into ordered groups at creation time,
// drives the start/pause/resume lifecycle and runs the periodic condition
// check that progresses groups through the deployment engine.
type RolloutService struct {
	rolloutRepo domain.RolloutRepository
	groupRepo   domain.RolloutGroupRepository
	targetRepo  domain.TargetRepository
	dsRepo      domain.DistributionSetRepository
	deploy      *DeploymentService
	defaults    domain.RolloutGroupConditions
	log         *slog.Logger

	// checkMu makes the condition check single-flight: overlapping
	// invocations would double-advance groups.
	checkMu sync.Mutex
}

func NewRolloutService(
	rolloutRepo domain.RolloutRepository,
	groupRepo domain.RolloutGroupRepository,
	targetRepo domain.TargetRepository,
	dsRepo domain.DistributionSetRepository,
	deploy *DeploymentService,
	defaults domain.RolloutGroupConditions,
	log *slog.Logger,
) *RolloutService {
	return &RolloutService{
		rolloutRepo: rolloutRepo,
		groupRepo:   groupRepo,
		targetRepo:  targetRepo,
		dsRepo:      dsRepo,
		deploy:      deploy,
		defaults:    defaults,
		log:         log,
	}
}

// DefaultConditions returns the threshold conditions applied when a create
// request does not override them.
func DefaultConditions(successThreshold, errorThreshold string) domain.RolloutGroupConditions {
	return domain.RolloutGroupConditions{
		SuccessCondition:    domain.ConditionThreshold,
		SuccessConditionExp: successThreshold,
		SuccessAction:       domain.GroupActionNextGroup,
		ErrorCondition:      domain.ConditionThreshold,
		ErrorConditionExp:   errorThreshold,
		ErrorAction:         domain.GroupActionPause,
	}
}

type CreateRolloutInput struct {
	Name              string
	FilterQuery       string
	DistributionSetID uuid.UUID
	GroupCount        int
	ActionType        domain.ActionType
	ForcedTime        int64
	RequiresApproval  bool
	Conditions        *domain.RolloutGroupConditions
}

// Create evaluates the target filter once, partitions the matched targets
// into contiguous groups in ascending controller-id order and persists the
// rollout in ready state (or waiting for approval). Group membership and
// target totals are frozen here and never re-evaluated.
func (s *RolloutService) Create(ctx context.Context, input CreateRolloutInput) (*domain.Rollout, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	if input.GroupCount < 1 || input.GroupCount > maxRolloutGroups {
		return nil, fmt.Errorf("%w: group count must be between 1 and %d", domain.ErrInvalidInput, maxRolloutGroups)
	}
	if input.ActionType == "" {
		input.ActionType = domain.ActionTypeForced
	}

	conditions := s.defaults
	if input.Conditions != nil {
		conditions = *input.Conditions
	}
	if err := ValidateConditions(conditions); err != nil {
		return nil, err
	}

	set, err := s.dsRepo.GetByID(ctx, input.DistributionSetID)
	if err != nil {
		return nil, fmt.Errorf("distribution set: %w", err)
	}
	if !set.Complete {
		return nil, fmt.Errorf("%w: %s", domain.ErrIncompleteSet, set.ID)
	}

	targetIDs, err := s.targetRepo.MatchFilter(ctx, input.FilterQuery)
	if err != nil {
		return nil, fmt.Errorf("match targets: %w", err)
	}
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("%w: %q", domain.ErrNoMatchingTargets, input.FilterQuery)
	}

	rollout := &domain.Rollout{
		ID:                uuid.New(),
		Name:              input.Name,
		FilterQuery:       input.FilterQuery,
		DistributionSetID: set.ID,
		ActionType:        input.ActionType,
		ForcedTime:        input.ForcedTime,
		Status:            domain.RolloutStatusCreating,
		TotalTargets:      len(targetIDs),
		RequiresApproval:  input.RequiresApproval,
	}
	if err := s.rolloutRepo.Create(ctx, rollout); err != nil {
		return nil, fmt.Errorf("create rollout: %w", err)
	}

	var parent *uuid.UUID
	for i, slice := range partitionTargets(targetIDs, input.GroupCount) {
		group := &domain.RolloutGroup{
			ID:           uuid.New(),
			RolloutID:    rollout.ID,
			Seq:          i + 1,
			Name:         fmt.Sprintf("group-%d", i+1),
			Status:       domain.GroupStatusReady,
			Conditions:   conditions,
			TotalTargets: len(slice),
			ParentID:     parent,
		}
		if err := s.groupRepo.Create(ctx, group); err != nil {
			return nil, fmt.Errorf("create rollout group: %w", err)
		}
		if err := s.groupRepo.AddTargets(ctx, group.ID, slice); err != nil {
			return nil, fmt.Errorf("add group targets: %w", err)
		}
		parent = &group.ID
	}

	next := domain.RolloutStatusReady
	if rollout.RequiresApproval {
		next = domain.RolloutStatusWaitingForApproval
	}
	if err := s.transition(ctx, rollout, next); err != nil {
		return nil, err
	}

	s.log.Info("rollout created",
		"rollout", rollout.ID,
		"name", rollout.Name,
		"targets", rollout.TotalTargets,
		"groups", input.GroupCount,
	)
	return rollout, nil
}

// partitionTargets splits the ordered id set into contiguous, roughly equal
// slices. The remainder goes to the earliest groups so sizes always sum to
// the total. More groups than targets collapses to one target per group.
func partitionTargets(ids []uuid.UUID, groups int) [][]uuid.UUID {
	if groups > len(ids) {
		groups = len(ids)
	}
	base := len(ids) / groups
	remainder := len(ids) % groups

	out := make([][]uuid.UUID, 0, groups)
	start := 0
	for i := 0; i < groups; i++ {
		size := base
		if i < remainder {
			size++
		}
		out = append(out, ids[start:start+size])
		start += size
	}
	return out
}

// Approve releases a rollout held for approval.
func (s *RolloutService) Approve(ctx context.Context, rolloutID uuid.UUID) error {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusWaitingForApproval {
		return fmt.Errorf("%w: cannot approve rollout in %s", domain.ErrRolloutIllegalState, rollout.Status)
	}
	return s.transition(ctx, rollout, domain.RolloutStatusReady)
}

// Deny rejects a rollout held for approval. Denial is terminal.
func (s *RolloutService) Deny(ctx context.Context, rolloutID uuid.UUID) error {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusWaitingForApproval {
		return fmt.Errorf("%w: cannot deny rollout in %s", domain.ErrRolloutIllegalState, rollout.Status)
	}
	return s.transition(ctx, rollout, domain.RolloutStatusApprovalDenied)
}

// Start activates the first group with running actions and pre-creates
// scheduled actions for every later group.
func (s *RolloutService) Start(ctx context.Context, rolloutID uuid.UUID) error {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusReady {
		return fmt.Errorf("%w: rollout can only be started in ready state, not %s", domain.ErrRolloutIllegalState, rollout.Status)
	}

	groups, err := s.groupRepo.FindByRollout(ctx, rollout.ID)
	if err != nil {
		return fmt.Errorf("find groups: %w", err)
	}

	for i, group := range groups {
		targetIDs, err := s.groupRepo.GetTargetIDs(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("group targets: %w", err)
		}

		if i == 0 {
			requests, err := s.assignmentRequests(ctx, rollout, targetIDs)
			if err != nil {
				return err
			}
			if _, err := s.deploy.AssignForRolloutGroup(ctx, rollout.DistributionSetID, requests, rollout.ID, group.ID); err != nil {
				return fmt.Errorf("assign first group: %w", err)
			}
			if err := s.transitionGroup(ctx, group, domain.GroupStatusRunning); err != nil {
				return err
			}
		} else {
			if err := s.deploy.CreateScheduledActions(ctx, rollout, group, targetIDs); err != nil {
				return err
			}
			if err := s.transitionGroup(ctx, group, domain.GroupStatusScheduled); err != nil {
				return err
			}
		}
	}

	if err := s.transition(ctx, rollout, domain.RolloutStatusRunning); err != nil {
		return err
	}
	s.log.Info("rollout started", "rollout", rollout.ID, "groups", len(groups))
	return nil
}

func (s *RolloutService) assignmentRequests(ctx context.Context, rollout *domain.Rollout, targetIDs []uuid.UUID) ([]AssignmentRequest, error) {
	targets, err := s.targetRepo.GetMany(ctx, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	requests := make([]AssignmentRequest, 0, len(targets))
	for _, t := range targets {
		requests = append(requests, AssignmentRequest{
			ControllerID: t.ControllerID,
			ActionType:   rollout.ActionType,
			ForcedTime:   rollout.ForcedTime,
		})
	}
	return requests, nil
}

// Pause stops group progression without touching any action. The check loop
// skips paused rollouts.
func (s *RolloutService) Pause(ctx context.Context, rolloutID uuid.UUID) error {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusRunning {
		return fmt.Errorf("%w: rollout can only be paused while running, not %s", domain.ErrRolloutIllegalState, rollout.Status)
	}
	return s.transition(ctx, rollout, domain.RolloutStatusPaused)
}

// Resume puts a paused rollout back under check-loop control. If the paused
// group already met its success condition, the next check advances it
// immediately.
func (s *RolloutService) Resume(ctx context.Context, rolloutID uuid.UUID) error {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusPaused {
		return fmt.Errorf("%w: rollout can only be resumed while paused, not %s", domain.ErrRolloutIllegalState, rollout.Status)
	}
	return s.transition(ctx, rollout, domain.RolloutStatusRunning)
}

// CheckRunningRollouts evaluates the conditions of every running rollout's
// current group and advances, finishes or pauses accordingly. limit caps
// the number of rollouts handled per invocation; 0 means no cap. The check
// is single-flight: a second invocation while one is in progress returns
// immediately.
func (s *RolloutService) CheckRunningRollouts(ctx context.Context, limit int) error {
	if !s.checkMu.TryLock() {
		s.log.Debug("rollout check already in flight, skipping")
		return nil
	}
	defer s.checkMu.Unlock()

	rollouts, err := s.rolloutRepo.FindByStatus(ctx, domain.RolloutStatusRunning, limit)
	if err != nil {
		return fmt.Errorf("find running rollouts: %w", err)
	}

	for _, rollout := range rollouts {
		if err := s.checkRollout(ctx, rollout); err != nil {
			s.log.Error("rollout check failed", "rollout", rollout.ID, "err", err)
		}
	}
	return nil
}

func (s *RolloutService) checkRollout(ctx context.Context, rollout *domain.Rollout) error {
	running, err := s.groupRepo.FindByRolloutAndStatus(ctx, rollout.ID, domain.GroupStatusRunning)
	if err != nil {
		return fmt.Errorf("find running groups: %w", err)
	}

	if len(running) == 0 {
		// No group is running: either the rollout was resumed after an
		// error pause, or the last group just closed. Pick up behind the
		// latest closed group.
		return s.advancePastClosedGroups(ctx, rollout)
	}

	group := running[0]
	counts, err := s.groupCounts(ctx, group)
	if err != nil {
		return err
	}

	// Error condition wins over success: a group that trips both is an
	// error.
	hitError, err := evalErrorCondition(group.Conditions, counts)
	if err != nil {
		return err
	}
	if hitError {
		s.log.Info("rollout group hit error threshold",
			"rollout", rollout.ID, "group", group.ID, "errors", counts.Error, "total", counts.Total)
		if err := s.transitionGroup(ctx, group, domain.GroupStatusError); err != nil {
			return err
		}
		return s.transition(ctx, rollout, domain.RolloutStatusPaused)
	}

	done, err := evalSuccessCondition(group.Conditions, counts)
	if err != nil {
		return err
	}
	if !done {
		// Neither threshold met: re-evaluate on the next invocation.
		return nil
	}

	s.log.Info("rollout group finished",
		"rollout", rollout.ID, "group", group.ID, "finished", counts.Finished, "total", counts.Total)
	if err := s.transitionGroup(ctx, group, domain.GroupStatusFinished); err != nil {
		return err
	}
	return s.startNextGroup(ctx, rollout, group)
}

// advancePastClosedGroups handles the no-running-group case: after a resume
// from an error pause the latest closed group decides where to continue.
func (s *RolloutService) advancePastClosedGroups(ctx context.Context, rollout *domain.Rollout) error {
	groups, err := s.groupRepo.FindByRollout(ctx, rollout.ID)
	if err != nil {
		return fmt.Errorf("find groups: %w", err)
	}
	var latest *domain.RolloutGroup
	for _, g := range groups {
		if g.Status == domain.GroupStatusFinished || g.Status == domain.GroupStatusError {
			latest = g
		}
	}
	if latest == nil {
		return nil
	}
	return s.startNextGroup(ctx, rollout, latest)
}

func (s *RolloutService) startNextGroup(ctx context.Context, rollout *domain.Rollout, current *domain.RolloutGroup) error {
	groups, err := s.groupRepo.FindByRollout(ctx, rollout.ID)
	if err != nil {
		return fmt.Errorf("find groups: %w", err)
	}

	var next *domain.RolloutGroup
	for _, g := range groups {
		if g.Seq == current.Seq+1 {
			next = g
			break
		}
	}

	if next == nil {
		s.log.Info("rollout finished", "rollout", rollout.ID)
		return s.transition(ctx, rollout, domain.RolloutStatusFinished)
	}

	if err := s.deploy.StartScheduledActions(ctx, rollout.ID, next.ID); err != nil {
		return fmt.Errorf("start group actions: %w", err)
	}
	if err := s.transitionGroup(ctx, next, domain.GroupStatusRunning); err != nil {
		return err
	}
	s.log.Info("rollout group started", "rollout", rollout.ID, "group", next.ID, "seq", next.Seq)
	return nil
}

func (s *RolloutService) groupCounts(ctx context.Context, group *domain.RolloutGroup) (GroupStatusCounts, error) {
	byState, err := s.deploy.actionRepo.CountByRolloutGroup(ctx, group.ID)
	if err != nil {
		return GroupStatusCounts{}, fmt.Errorf("count group actions: %w", err)
	}
	return GroupStatusCounts{
		Scheduled: byState[domain.ActionStateScheduled],
		Running:   byState[domain.ActionStateRunning] + byState[domain.ActionStateCanceling],
		Finished:  byState[domain.ActionStateFinished],
		Error:     byState[domain.ActionStateError],
		Canceled:  byState[domain.ActionStateCanceled],
		Total:     group.TotalTargets,
	}, nil
}

// GetDetailedStatus aggregates a rollout's actions into synthetic
// per-target categories. Targets without any action yet count as
// not-started; scheduled actions count as ready.
func (s *RolloutService) GetDetailedStatus(ctx context.Context, rolloutID uuid.UUID) (*domain.TargetStatusCounts, error) {
	rollout, err := s.rolloutRepo.GetByID(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	byState, err := s.deploy.actionRepo.CountByRollout(ctx, rollout.ID)
	if err != nil {
		return nil, fmt.Errorf("count rollout actions: %w", err)
	}
	return synthesizeCounts(rollout.TotalTargets, byState), nil
}

// GetGroupDetailedStatus is GetDetailedStatus scoped to one group.
func (s *RolloutService) GetGroupDetailedStatus(ctx context.Context, groupID uuid.UUID) (*domain.TargetStatusCounts, error) {
	group, err := s.groupRepo.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	byState, err := s.deploy.actionRepo.CountByRolloutGroup(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("count group actions: %w", err)
	}
	return synthesizeCounts(group.TotalTargets, byState), nil
}

func synthesizeCounts(total int, byState map[domain.ActionState]int) *domain.TargetStatusCounts {
	created := 0
	for _, n := range byState {
		created += n
	}
	notStarted := total - created
	if notStarted < 0 {
		notStarted = 0
	}
	return &domain.TargetStatusCounts{
		NotStarted: notStarted,
		Ready:      byState[domain.ActionStateScheduled],
		Running:    byState[domain.ActionStateRunning] + byState[domain.ActionStateCanceling],
		Finished:   byState[domain.ActionStateFinished] + byState[domain.ActionStateCanceled],
		Error:      byState[domain.ActionStateError],
	}
}

func (s *RolloutService) GetByID(ctx context.Context, rolloutID uuid.UUID) (*domain.Rollout, error) {
	return s.rolloutRepo.GetByID(ctx, rolloutID)
}

func (s *RolloutService) List(ctx context.Context, filter domain.RolloutFilter) ([]*domain.Rollout, int, error) {
	return s.rolloutRepo.List(ctx, filter)
}

func (s *RolloutService) FindGroups(ctx context.Context, rolloutID uuid.UUID) ([]*domain.RolloutGroup, error) {
	if _, err := s.rolloutRepo.GetByID(ctx, rolloutID); err != nil {
		return nil, err
	}
	return s.groupRepo.FindByRollout(ctx, rolloutID)
}

// StartChecker runs the condition check at the given interval until the
// context is canceled. Call in a goroutine.
func (s *RolloutService) StartChecker(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("rollout checker started", "interval", interval, "limit", limit)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("rollout checker stopped")
			return
		case <-ticker.C:
			if err := s.CheckRunningRollouts(ctx, limit); err != nil {
				s.log.Warn("rollout check run failed", "err", err)
			}
		}
	}
}

func (s *RolloutService) transition(ctx context.Context, rollout *domain.Rollout, status domain.RolloutStatus) error {
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		rollout.Status = status
		err := s.rolloutRepo.Update(ctx, rollout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleRevision) {
			return fmt.Errorf("update rollout: %w", err)
		}
		fresh, err := s.rolloutRepo.GetByID(ctx, rollout.ID)
		if err != nil {
			return err
		}
		*rollout = *fresh
	}
	return fmt.Errorf("update rollout %s: %w", rollout.ID, domain.ErrStaleRevision)
}

func (s *RolloutService) transitionGroup(ctx context.Context, group *domain.RolloutGroup, status domain.RolloutGroupStatus) error {
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		group.Status = status
		err := s.groupRepo.Update(ctx, group)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleRevision) {
			return fmt.Errorf("update rollout group: %w", err)
		}
		fresh, err := s.groupRepo.GetByID(ctx, group.ID)
		if err != nil {
			return err
		}
		*group = *fresh
	}
	return fmt.Errorf("update rollout group %s: %w", group.ID, domain.ErrStaleRevision)
}
