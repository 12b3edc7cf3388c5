package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type RolloutRepo struct {
	pool *pgxpool.Pool
}

func NewRolloutRepo(pool *pgxpool.Pool) *RolloutRepo {
	return &RolloutRepo{pool: pool}
}

const rolloutColumns = `id, name, filter_query, distribution_set_id, action_type, forced_time,
       status, total_targets, requires_approval, revision, created_at, updated_at`

func scanRollout(row pgx.Row) (*domain.Rollout, error) {
	r := &domain.Rollout{}
	err := row.Scan(
		&r.ID, &r.Name, &r.FilterQuery, &r.DistributionSetID, &r.ActionType, &r.ForcedTime,
		&r.Status, &r.TotalTargets, &r.RequiresApproval, &r.Revision, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RolloutRepo) Create(ctx context.Context, ro *domain.Rollout) error {
	if ro.ID == uuid.Nil {
		ro.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rollouts (id, name, filter_query, distribution_set_id, action_type,
		                      forced_time, status, total_targets, requires_approval)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING revision, created_at, updated_at
	`, ro.ID, ro.Name, ro.FilterQuery, ro.DistributionSetID, ro.ActionType,
		ro.ForcedTime, ro.Status, ro.TotalTargets, ro.RequiresApproval).
		Scan(&ro.Revision, &ro.CreatedAt, &ro.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert rollout: %w", err)
	}
	return nil
}

func (r *RolloutRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Rollout, error) {
	ro, err := scanRollout(r.pool.QueryRow(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get rollout: %w", err)
	}
	return ro, nil
}

func (r *RolloutRepo) Update(ctx context.Context, ro *domain.Rollout) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rollouts
		SET status = $1, total_targets = $2, revision = revision + 1, updated_at = NOW()
		WHERE id = $3 AND revision = $4
	`, ro.Status, ro.TotalTargets, ro.ID, ro.Revision)
	if err != nil {
		return fmt.Errorf("update rollout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rollouts WHERE id = $1)`, ro.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update rollout: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleRevision
	}
	ro.Revision++
	return nil
}

func (r *RolloutRepo) List(ctx context.Context, f domain.RolloutFilter) ([]*domain.Rollout, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1
	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *f.Status)
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rollouts "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rollouts: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+rolloutColumns+`
		FROM rollouts %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, argIdx, argIdx+1)
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	var rollouts []*domain.Rollout
	for rows.Next() {
		ro, err := scanRollout(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan rollout: %w", err)
		}
		rollouts = append(rollouts, ro)
	}
	if rollouts == nil {
		rollouts = []*domain.Rollout{}
	}
	return rollouts, total, nil
}

func (r *RolloutRepo) FindByStatus(ctx context.Context, status domain.RolloutStatus, limit int) ([]*domain.Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM rollouts WHERE status = $1 ORDER BY created_at ASC`
	args := []interface{}{status}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find rollouts by status: %w", err)
	}
	defer rows.Close()

	var rollouts []*domain.Rollout
	for rows.Next() {
		ro, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout: %w", err)
		}
		rollouts = append(rollouts, ro)
	}
	return rollouts, nil
}

// RolloutGroupRepo stores the ordered partitions of a rollout together with
// their frozen target membership.
type RolloutGroupRepo struct {
	pool *pgxpool.Pool
}

func NewRolloutGroupRepo(pool *pgxpool.Pool) *RolloutGroupRepo {
	return &RolloutGroupRepo{pool: pool}
}

const groupColumns = `id, rollout_id, seq, name, status,
       success_condition, success_condition_exp, success_action,
       error_condition, error_condition_exp, error_action,
       total_targets, parent_id, revision, created_at, updated_at`

func scanGroup(row pgx.Row) (*domain.RolloutGroup, error) {
	g := &domain.RolloutGroup{}
	err := row.Scan(
		&g.ID, &g.RolloutID, &g.Seq, &g.Name, &g.Status,
		&g.Conditions.SuccessCondition, &g.Conditions.SuccessConditionExp, &g.Conditions.SuccessAction,
		&g.Conditions.ErrorCondition, &g.Conditions.ErrorConditionExp, &g.Conditions.ErrorAction,
		&g.TotalTargets, &g.ParentID, &g.Revision, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *RolloutGroupRepo) Create(ctx context.Context, g *domain.RolloutGroup) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rollout_groups (id, rollout_id, seq, name, status,
		                            success_condition, success_condition_exp, success_action,
		                            error_condition, error_condition_exp, error_action,
		                            total_targets, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING revision, created_at, updated_at
	`, g.ID, g.RolloutID, g.Seq, g.Name, g.Status,
		g.Conditions.SuccessCondition, g.Conditions.SuccessConditionExp, g.Conditions.SuccessAction,
		g.Conditions.ErrorCondition, g.Conditions.ErrorConditionExp, g.Conditions.ErrorAction,
		g.TotalTargets, g.ParentID).
		Scan(&g.Revision, &g.CreatedAt, &g.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert rollout group: %w", err)
	}
	return nil
}

func (r *RolloutGroupRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RolloutGroup, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM rollout_groups WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get rollout group: %w", err)
	}
	return g, nil
}

func (r *RolloutGroupRepo) Update(ctx context.Context, g *domain.RolloutGroup) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rollout_groups
		SET status = $1, revision = revision + 1, updated_at = NOW()
		WHERE id = $2 AND revision = $3
	`, g.Status, g.ID, g.Revision)
	if err != nil {
		return fmt.Errorf("update rollout group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rollout_groups WHERE id = $1)`, g.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update rollout group: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleRevision
	}
	g.Revision++
	return nil
}

func (r *RolloutGroupRepo) FindByRollout(ctx context.Context, rolloutID uuid.UUID) ([]*domain.RolloutGroup, error) {
	return r.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM rollout_groups WHERE rollout_id = $1 ORDER BY seq ASC`,
		rolloutID)
}

func (r *RolloutGroupRepo) FindByRolloutAndStatus(ctx context.Context, rolloutID uuid.UUID, status domain.RolloutGroupStatus) ([]*domain.RolloutGroup, error) {
	return r.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM rollout_groups WHERE rollout_id = $1 AND status = $2 ORDER BY seq ASC`,
		rolloutID, status)
}

func (r *RolloutGroupRepo) queryGroups(ctx context.Context, sql string, args ...interface{}) ([]*domain.RolloutGroup, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollout groups: %w", err)
	}
	defer rows.Close()

	var groups []*domain.RolloutGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (r *RolloutGroupRepo) AddTargets(ctx context.Context, groupID uuid.UUID, targetIDs []uuid.UUID) error {
	if len(targetIDs) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(targetIDs))
	for _, tid := range targetIDs {
		rows = append(rows, []interface{}{groupID, tid})
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"rollout_group_targets"},
		[]string{"group_id", "target_id"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert group targets: %w", err)
	}
	return nil
}

func (r *RolloutGroupRepo) GetTargetIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gt.target_id
		FROM rollout_group_targets gt
		JOIN targets t ON t.id = gt.target_id
		WHERE gt.group_id = $1
		ORDER BY t.controller_id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("get group targets: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
