package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// OutboxRepo implements domain.EventSink with a transactional-outbox table.
// The polling protocol layer drains the table; this side only appends.
type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

const (
	eventKindAssignment = "assignment"
	eventKindCancel     = "cancel"
)

func (r *OutboxRepo) PublishAssignment(ctx context.Context, ev domain.AssignmentEvent) error {
	return r.insert(ctx, eventKindAssignment, ev)
}

func (r *OutboxRepo) PublishCancel(ctx context.Context, ev domain.CancelEvent) error {
	return r.insert(ctx, eventKindCancel, ev)
}

func (r *OutboxRepo) insert(ctx context.Context, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO events_outbox (kind, payload) VALUES ($1, $2)
	`, kind, body); err != nil {
		return fmt.Errorf("insert %s event: %w", kind, err)
	}
	return nil
}
