package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type ActionRepo struct {
	pool *pgxpool.Pool
}

func NewActionRepo(pool *pgxpool.Pool) *ActionRepo {
	return &ActionRepo{pool: pool}
}

const actionColumns = `id, target_id, distribution_set_id, type, forced_time, state, active,
       rollout_id, rollout_group_id, revision, created_at, updated_at`

func scanAction(row pgx.Row) (*domain.Action, error) {
	a := &domain.Action{}
	err := row.Scan(
		&a.ID, &a.TargetID, &a.DistributionSetID, &a.Type, &a.ForcedTime, &a.State, &a.Active,
		&a.RolloutID, &a.RolloutGroupID, &a.Revision, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *ActionRepo) Create(ctx context.Context, a *domain.Action) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO actions (id, target_id, distribution_set_id, type, forced_time,
		                     state, active, rollout_id, rollout_group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING revision, created_at, updated_at
	`, a.ID, a.TargetID, a.DistributionSetID, a.Type, a.ForcedTime,
		a.State, a.Active, a.RolloutID, a.RolloutGroupID).
		Scan(&a.Revision, &a.CreatedAt, &a.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// CreateBatch inserts a chunk of actions in one round-trip. The caller
// bounds the chunk size.
func (r *ActionRepo) CreateBatch(ctx context.Context, actions []*domain.Action) error {
	if len(actions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range actions {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO actions (id, target_id, distribution_set_id, type, forced_time,
			                     state, active, rollout_id, rollout_group_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, a.TargetID, a.DistributionSetID, a.Type, a.ForcedTime,
			a.State, a.Active, a.RolloutID, a.RolloutGroupID)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range actions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert action batch: %w", err)
		}
	}
	return nil
}

func (r *ActionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Action, error) {
	a, err := scanAction(r.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (r *ActionRepo) Update(ctx context.Context, a *domain.Action) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE actions
		SET state = $1, active = $2, type = $3, forced_time = $4,
		    revision = revision + 1, updated_at = NOW()
		WHERE id = $5 AND revision = $6
	`, a.State, a.Active, a.Type, a.ForcedTime, a.ID, a.Revision)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM actions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update action: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleRevision
	}
	a.Revision++
	return nil
}

func (r *ActionRepo) FindByTarget(ctx context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return r.query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE target_id = $1 ORDER BY created_at DESC`,
		targetID)
}

// FindActiveByTarget returns newest first so the head of the slice is the
// action that takes over after a cancellation.
func (r *ActionRepo) FindActiveByTarget(ctx context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return r.query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE target_id = $1 AND active ORDER BY created_at DESC`,
		targetID)
}

func (r *ActionRepo) FindScheduledByTarget(ctx context.Context, targetID uuid.UUID) ([]*domain.Action, error) {
	return r.query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE target_id = $1 AND state = 'scheduled' ORDER BY created_at ASC`,
		targetID)
}

func (r *ActionRepo) FindByRolloutAndState(ctx context.Context, rolloutID uuid.UUID, state domain.ActionState) ([]*domain.Action, error) {
	return r.query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE rollout_id = $1 AND state = $2 ORDER BY created_at ASC`,
		rolloutID, state)
}

func (r *ActionRepo) FindByRolloutGroup(ctx context.Context, groupID uuid.UUID) ([]*domain.Action, error) {
	return r.query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE rollout_group_id = $1 ORDER BY created_at ASC`,
		groupID)
}

func (r *ActionRepo) CountByRolloutGroup(ctx context.Context, groupID uuid.UUID) (map[domain.ActionState]int, error) {
	return r.countByState(ctx,
		`SELECT state, COUNT(*) FROM actions WHERE rollout_group_id = $1 GROUP BY state`, groupID)
}

func (r *ActionRepo) CountByRollout(ctx context.Context, rolloutID uuid.UUID) (map[domain.ActionState]int, error) {
	return r.countByState(ctx,
		`SELECT state, COUNT(*) FROM actions WHERE rollout_id = $1 GROUP BY state`, rolloutID)
}

func (r *ActionRepo) query(ctx context.Context, sql string, args ...interface{}) ([]*domain.Action, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []*domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (r *ActionRepo) countByState(ctx context.Context, sql string, arg interface{}) (map[domain.ActionState]int, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ActionState]int)
	for rows.Next() {
		var state domain.ActionState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = count
	}
	return counts, nil
}

// ActionStatusRepo is the append-only status history store.
type ActionStatusRepo struct {
	pool *pgxpool.Pool
}

func NewActionStatusRepo(pool *pgxpool.Pool) *ActionStatusRepo {
	return &ActionStatusRepo{pool: pool}
}

func (r *ActionStatusRepo) Append(ctx context.Context, s *domain.ActionStatus) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO action_statuses (action_id, code, messages, occurred_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, s.ActionID, s.Code, s.Messages, s.OccurredAt).Scan(&s.ID, &s.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert action status: %w", err)
	}
	return nil
}

func (r *ActionStatusRepo) ListByAction(ctx context.Context, actionID uuid.UUID, page, perPage int) ([]*domain.ActionStatus, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM action_statuses WHERE action_id = $1`, actionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count action statuses: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, action_id, code, messages, occurred_at, created_at
		FROM action_statuses
		WHERE action_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, actionID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list action statuses: %w", err)
	}
	defer rows.Close()

	var entries []*domain.ActionStatus
	for rows.Next() {
		s := &domain.ActionStatus{}
		if err := rows.Scan(&s.ID, &s.ActionID, &s.Code, &s.Messages, &s.OccurredAt, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan action status: %w", err)
		}
		entries = append(entries, s)
	}
	if entries == nil {
		entries = []*domain.ActionStatus{}
	}
	return entries, total, nil
}
