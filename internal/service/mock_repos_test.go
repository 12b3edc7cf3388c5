package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// --- Mock Target Repository ---

type mockTargetRepo struct {
	mu           sync.RWMutex
	targets      map[uuid.UUID]*domain.Target
	byController map[string]uuid.UUID
}

func newMockTargetRepo() *mockTargetRepo {
	return &mockTargetRepo{
		targets:      make(map[uuid.UUID]*domain.Target),
		byController: make(map[string]uuid.UUID),
	}
}

func (m *mockTargetRepo) Create(_ context.Context, t *domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byController[t.ControllerID]; exists {
		return domain.ErrConflict
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Revision = 1
	cp := *t
	m.targets[t.ID] = &cp
	m.byController[t.ControllerID] = t.ID
	return nil
}

func (m *mockTargetRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.targets[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTargetRepo) GetByControllerID(_ context.Context, controllerID string) (*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byController[controllerID]; ok {
		cp := *m.targets[id]
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTargetRepo) GetMany(_ context.Context, ids []uuid.UUID) ([]*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.Target, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.targets[id]; ok {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockTargetRepo) List(_ context.Context, f domain.TargetFilter) ([]*domain.Target, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Target
	for _, t := range m.targets {
		if f.UpdateStatus != nil && t.UpdateStatus != *f.UpdateStatus {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, len(result), nil
}

// MatchFilter treats the filter query as a controller-id prefix and returns
// ids in ascending controller-id order, matching the repository contract.
func (m *mockTargetRepo) MatchFilter(_ context.Context, filterQuery string) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var controllers []string
	for cid := range m.byController {
		if filterQuery == "" || strings.HasPrefix(cid, filterQuery) {
			controllers = append(controllers, cid)
		}
	}
	sort.Strings(controllers)
	ids := make([]uuid.UUID, 0, len(controllers))
	for _, cid := range controllers {
		ids = append(ids, m.byController[cid])
	}
	return ids, nil
}

func (m *mockTargetRepo) Update(_ context.Context, t *domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.targets[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Revision != t.Revision {
		return domain.ErrStaleRevision
	}
	t.Revision++
	cp := *t
	m.targets[t.ID] = &cp
	return nil
}

func (m *mockTargetRepo) UpdateAuthToken(_ context.Context, id uuid.UUID, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.AuthTokenHash = tokenHash
	return nil
}

func (m *mockTargetRepo) UpdateLastContact(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	t.LastContact = &now
	return nil
}

// --- Mock Distribution Set Repository ---

type mockDistributionSetRepo struct {
	mu   sync.RWMutex
	sets map[uuid.UUID]*domain.DistributionSet
}

func newMockDistributionSetRepo() *mockDistributionSetRepo {
	return &mockDistributionSetRepo{sets: make(map[uuid.UUID]*domain.DistributionSet)}
}

func (m *mockDistributionSetRepo) Create(_ context.Context, ds *domain.DistributionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	cp := *ds
	m.sets[ds.ID] = &cp
	return nil
}

func (m *mockDistributionSetRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.DistributionSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ds, ok := m.sets[id]; ok {
		cp := *ds
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockDistributionSetRepo) List(_ context.Context, _, _ int) ([]*domain.DistributionSet, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DistributionSet
	for _, ds := range m.sets {
		cp := *ds
		result = append(result, &cp)
	}
	return result, len(result), nil
}

// --- Mock Action Repository ---

type mockActionRepo struct {
	mu      sync.RWMutex
	actions map[uuid.UUID]*domain.Action
	order   []uuid.UUID
}

func newMockActionRepo() *mockActionRepo {
	return &mockActionRepo{actions: make(map[uuid.UUID]*domain.Action)}
}

func (m *mockActionRepo) Create(_ context.Context, a *domain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(a)
}

func (m *mockActionRepo) CreateBatch(_ context.Context, actions []*domain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range actions {
		if err := m.createLocked(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockActionRepo) createLocked(a *domain.Action) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Revision = 1
	a.CreatedAt = time.Now()
	cp := *a
	m.actions[a.ID] = &cp
	m.order = append(m.order, a.ID)
	return nil
}

func (m *mockActionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.actions[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockActionRepo) Update(_ context.Context, a *domain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.actions[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Revision != a.Revision {
		return domain.ErrStaleRevision
	}
	a.Revision++
	cp := *a
	m.actions[a.ID] = &cp
	return nil
}

func (m *mockActionRepo) FindByTarget(_ context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return m.filter(func(a *domain.Action) bool { return a.TargetID == targetID }, false), nil
}

// FindActiveByTarget returns newest first, matching the repository contract:
// the head of the slice is the action that wins a cancellation settlement.
func (m *mockActionRepo) FindActiveByTarget(_ context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return m.filter(func(a *domain.Action) bool { return a.TargetID == targetID && a.Active }, true), nil
}

func (m *mockActionRepo) FindScheduledByTarget(_ context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return m.filter(func(a *domain.Action) bool {
		return a.TargetID == targetID && a.State == domain.ActionStateScheduled
	}, false), nil
}

func (m *mockActionRepo) FindByRolloutAndState(_ context.Context, rolloutID uuid.UUID, state domain.ActionState) ([]*domain.Action, error) {
	return m.filter(func(a *domain.Action) bool {
		return a.RolloutID != nil && *a.RolloutID == rolloutID && a.State == state
	}, false), nil
}

func (m *mockActionRepo) FindByRolloutGroup(_ context.Context, groupID uuid.UUID) ([]*domain.Action, error) {
	return m.filter(func(a *domain.Action) bool {
		return a.RolloutGroupID != nil && *a.RolloutGroupID == groupID
	}, false), nil
}

func (m *mockActionRepo) CountByRolloutGroup(_ context.Context, groupID uuid.UUID) (map[domain.ActionState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.ActionState]int)
	for _, a := range m.actions {
		if a.RolloutGroupID != nil && *a.RolloutGroupID == groupID {
			counts[a.State]++
		}
	}
	return counts, nil
}

func (m *mockActionRepo) CountByRollout(_ context.Context, rolloutID uuid.UUID) (map[domain.ActionState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.ActionState]int)
	for _, a := range m.actions {
		if a.RolloutID != nil && *a.RolloutID == rolloutID {
			counts[a.State]++
		}
	}
	return counts, nil
}

func (m *mockActionRepo) filter(keep func(*domain.Action) bool, newestFirst bool) []*domain.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Action
	for _, id := range m.order {
		a := m.actions[id]
		if keep(a) {
			cp := *a
			result = append(result, &cp)
		}
	}
	if newestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result
}

// --- Mock Action Status Repository ---

type mockActionStatusRepo struct {
	mu      sync.RWMutex
	entries []*domain.ActionStatus
	nextID  int64
}

func newMockActionStatusRepo() *mockActionStatusRepo {
	return &mockActionStatusRepo{nextID: 1}
}

func (m *mockActionStatusRepo) Append(_ context.Context, s *domain.ActionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID
	m.nextID++
	s.CreatedAt = time.Now()
	cp := *s
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockActionStatusRepo) ListByAction(_ context.Context, actionID uuid.UUID, page, perPage int) ([]*domain.ActionStatus, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*domain.ActionStatus
	for _, e := range m.entries {
		if e.ActionID == actionID {
			cp := *e
			all = append(all, &cp)
		}
	}
	total := len(all)
	if perPage <= 0 {
		return all, total, nil
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// --- Mock Rollout Repositories ---

type mockRolloutRepo struct {
	mu       sync.RWMutex
	rollouts map[uuid.UUID]*domain.Rollout
	order    []uuid.UUID
}

func newMockRolloutRepo() *mockRolloutRepo {
	return &mockRolloutRepo{rollouts: make(map[uuid.UUID]*domain.Rollout)}
}

func (m *mockRolloutRepo) Create(_ context.Context, r *domain.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Revision = 1
	cp := *r
	m.rollouts[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *mockRolloutRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rollouts[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRolloutRepo) Update(_ context.Context, r *domain.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rollouts[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Revision != r.Revision {
		return domain.ErrStaleRevision
	}
	r.Revision++
	cp := *r
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *mockRolloutRepo) List(_ context.Context, f domain.RolloutFilter) ([]*domain.Rollout, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Rollout
	for _, id := range m.order {
		r := m.rollouts[id]
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockRolloutRepo) FindByStatus(_ context.Context, status domain.RolloutStatus, limit int) ([]*domain.Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Rollout
	for _, id := range m.order {
		r := m.rollouts[id]
		if r.Status != status {
			continue
		}
		cp := *r
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

type mockRolloutGroupRepo struct {
	mu      sync.RWMutex
	groups  map[uuid.UUID]*domain.RolloutGroup
	members map[uuid.UUID][]uuid.UUID
}

func newMockRolloutGroupRepo() *mockRolloutGroupRepo {
	return &mockRolloutGroupRepo{
		groups:  make(map[uuid.UUID]*domain.RolloutGroup),
		members: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *mockRolloutGroupRepo) Create(_ context.Context, g *domain.RolloutGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.Revision = 1
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *mockRolloutGroupRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.RolloutGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.groups[id]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRolloutGroupRepo) Update(_ context.Context, g *domain.RolloutGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.groups[g.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Revision != g.Revision {
		return domain.ErrStaleRevision
	}
	g.Revision++
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *mockRolloutGroupRepo) FindByRollout(_ context.Context, rolloutID uuid.UUID) ([]*domain.RolloutGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.RolloutGroup
	for _, g := range m.groups {
		if g.RolloutID == rolloutID {
			cp := *g
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (m *mockRolloutGroupRepo) FindByRolloutAndStatus(_ context.Context, rolloutID uuid.UUID, status domain.RolloutGroupStatus) ([]*domain.RolloutGroup, error) {
	all, _ := m.FindByRollout(context.Background(), rolloutID)
	var result []*domain.RolloutGroup
	for _, g := range all {
		if g.Status == status {
			result = append(result, g)
		}
	}
	return result, nil
}

func (m *mockRolloutGroupRepo) AddTargets(_ context.Context, groupID uuid.UUID, targetIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[groupID] = append(m.members[groupID], targetIDs...)
	return nil
}

func (m *mockRolloutGroupRepo) GetTargetIDs(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uuid.UUID(nil), m.members[groupID]...), nil
}

// --- Mock Event Sink ---

type mockEventSink struct {
	mu          sync.Mutex
	assignments []domain.AssignmentEvent
	cancels     []domain.CancelEvent
}

func newMockEventSink() *mockEventSink {
	return &mockEventSink{}
}

func (m *mockEventSink) PublishAssignment(_ context.Context, ev domain.AssignmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, ev)
	return nil
}

func (m *mockEventSink) PublishCancel(_ context.Context, ev domain.CancelEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, ev)
	return nil
}

func (m *mockEventSink) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

func (m *mockEventSink) assignmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments)
}
