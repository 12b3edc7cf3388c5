package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type TargetRepo struct {
	pool *pgxpool.Pool
}

func NewTargetRepo(pool *pgxpool.Pool) *TargetRepo {
	return &TargetRepo{pool: pool}
}

const targetColumns = `id, controller_id, assigned_set_id, installed_set_id, update_status,
       auth_token_hash, revision, last_contact, created_at, updated_at`

func scanTarget(row pgx.Row) (*domain.Target, error) {
	t := &domain.Target{}
	err := row.Scan(
		&t.ID, &t.ControllerID, &t.AssignedSetID, &t.InstalledSetID, &t.UpdateStatus,
		&t.AuthTokenHash, &t.Revision, &t.LastContact, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TargetRepo) Create(ctx context.Context, t *domain.Target) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO targets (id, controller_id, update_status, auth_token_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING revision, created_at, updated_at
	`, t.ID, t.ControllerID, t.UpdateStatus, t.AuthTokenHash).
		Scan(&t.Revision, &t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

func (r *TargetRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Target, error) {
	t, err := scanTarget(r.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func (r *TargetRepo) GetByControllerID(ctx context.Context, controllerID string) (*domain.Target, error) {
	t, err := scanTarget(r.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE controller_id = $1`, controllerID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get target by controller id: %w", err)
	}
	return t, nil
}

func (r *TargetRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]*domain.Target, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = ANY($1) ORDER BY controller_id ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (r *TargetRepo) List(ctx context.Context, f domain.TargetFilter) ([]*domain.Target, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if f.UpdateStatus != nil {
		where += fmt.Sprintf(" AND update_status = $%d", argIdx)
		args = append(args, *f.UpdateStatus)
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM targets "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count targets: %w", err)
	}

	offset := (f.Page - 1) * f.PerPage
	query := fmt.Sprintf(`
		SELECT `+targetColumns+`
		FROM targets %s
		ORDER BY controller_id ASC
		LIMIT $%d OFFSET $%d
	`, where, argIdx, argIdx+1)
	args = append(args, f.PerPage, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if targets == nil {
		targets = []*domain.Target{}
	}
	return targets, total, nil
}

// MatchFilter resolves a filter query to target ids in ascending
// controller-id order. The query is a controller-id pattern where '*'
// matches any suffix; empty or "*" matches the whole fleet.
func (r *TargetRepo) MatchFilter(ctx context.Context, filterQuery string) ([]uuid.UUID, error) {
	pattern := strings.ReplaceAll(filterQuery, "*", "%")
	if pattern == "" {
		pattern = "%"
	}
	if !strings.Contains(pattern, "%") {
		pattern += "%"
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id FROM targets WHERE controller_id LIKE $1 ORDER BY controller_id ASC
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("match targets: %w", err)
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

// Update persists the mutable fields under the optimistic-lock revision. A
// revision mismatch leaves the row untouched and returns ErrStaleRevision.
func (r *TargetRepo) Update(ctx context.Context, t *domain.Target) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE targets
		SET assigned_set_id = $1, installed_set_id = $2, update_status = $3,
		    revision = revision + 1, updated_at = NOW()
		WHERE id = $4 AND revision = $5
	`, t.AssignedSetID, t.InstalledSetID, t.UpdateStatus, t.ID, t.Revision)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM targets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update target: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleRevision
	}
	t.Revision++
	return nil
}

func (r *TargetRepo) UpdateAuthToken(ctx context.Context, id uuid.UUID, tokenHash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE targets SET auth_token_hash = $1, updated_at = NOW() WHERE id = $2
	`, tokenHash, id)
	if err != nil {
		return fmt.Errorf("update auth token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TargetRepo) UpdateLastContact(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE targets SET last_contact = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("update last contact: %w", err)
	}
	return nil
}
