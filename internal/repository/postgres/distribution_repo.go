package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/domain"
)

type DistributionSetRepo struct {
	pool *pgxpool.Pool
}

func NewDistributionSetRepo(pool *pgxpool.Pool) *DistributionSetRepo {
	return &DistributionSetRepo{pool: pool}
}

func (r *DistributionSetRepo) Create(ctx context.Context, ds *domain.DistributionSet) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO distribution_sets (id, name, version, complete)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, ds.ID, ds.Name, ds.Version, ds.Complete).Scan(&ds.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert distribution set: %w", err)
	}
	return nil
}

func (r *DistributionSetRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DistributionSet, error) {
	ds := &domain.DistributionSet{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, version, complete, created_at
		FROM distribution_sets WHERE id = $1
	`, id).Scan(&ds.ID, &ds.Name, &ds.Version, &ds.Complete, &ds.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get distribution set: %w", err)
	}
	return ds, nil
}

func (r *DistributionSetRepo) List(ctx context.Context, page, perPage int) ([]*domain.DistributionSet, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM distribution_sets`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count distribution sets: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, version, complete, created_at
		FROM distribution_sets
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list distribution sets: %w", err)
	}
	defer rows.Close()

	var sets []*domain.DistributionSet
	for rows.Next() {
		ds := &domain.DistributionSet{}
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Version, &ds.Complete, &ds.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan distribution set: %w", err)
		}
		sets = append(sets, ds)
	}
	if sets == nil {
		sets = []*domain.DistributionSet{}
	}
	return sets, total, nil
}
