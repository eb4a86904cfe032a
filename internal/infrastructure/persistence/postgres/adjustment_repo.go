package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/xp"
)

// AdjustmentRepository implements xp.AdjustmentRepository using PostgreSQL.
type AdjustmentRepository struct {
	conn *Connection
}

var _ xp.AdjustmentRepository = (*AdjustmentRepository)(nil)

// NewAdjustmentRepository creates a new AdjustmentRepository.
func NewAdjustmentRepository(conn *Connection) *AdjustmentRepository {
	return &AdjustmentRepository{conn: conn}
}

// ListAdjustments returns the student's adjustments, oldest first.
func (r *AdjustmentRepository) ListAdjustments(ctx context.Context, studentID string) ([]xp.Adjustment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, kind, amount, reason, occurred_at
		FROM xp_adjustments
		WHERE student_id = $1
		ORDER BY occurred_at, id
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}

	adjs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (xp.Adjustment, error) {
		var (
			a    xp.Adjustment
			kind string
		)
		err := row.Scan(&a.ID, &kind, &a.Amount, &a.Reason, &a.OccurredAt)
		a.Kind = xp.AdjustmentKind(kind)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan adjustments: %w", err)
	}
	return adjs, nil
}

// SaveAdjustment records one adjustment; existing ids are left untouched.
func (r *AdjustmentRepository) SaveAdjustment(ctx context.Context, studentID string, a xp.Adjustment) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO xp_adjustments (id, student_id, kind, amount, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, studentID, string(a.Kind), a.Amount, a.Reason, a.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to save adjustment %s: %w", a.ID, err)
	}
	return nil
}
