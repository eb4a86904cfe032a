package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// BackpackRepository implements backpack.Repository using PostgreSQL.
type BackpackRepository struct {
	conn *Connection
}

var _ backpack.Repository = (*BackpackRepository)(nil)

// NewBackpackRepository creates a new BackpackRepository.
func NewBackpackRepository(conn *Connection) *BackpackRepository {
	return &BackpackRepository{conn: conn}
}

// ListItems returns the student's items ordered by id.
func (r *BackpackRepository) ListItems(ctx context.Context, studentID string) ([]backpack.Item, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT item_id, kind, name, exercise_id, skills
		FROM backpack_items
		WHERE student_id = $1
		ORDER BY item_id
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backpack items: %w", err)
	}
	defer rows.Close()

	var items []backpack.Item
	for rows.Next() {
		var (
			item backpack.Item
			kind string
		)
		if err := rows.Scan(&item.ID, &kind, &item.Name, &item.ExerciseID, &item.Skills); err != nil {
			return nil, fmt.Errorf("failed to scan backpack item: %w", err)
		}
		item.Kind = backpack.ItemKind(kind)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListStatuses returns the statuses last saved for the student's items.
func (r *BackpackRepository) ListStatuses(ctx context.Context, studentID string) (map[string]backpack.Status, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT item_id, status FROM backpack_statuses WHERE student_id = $1
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backpack statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]backpack.Status)
	for rows.Next() {
		var itemID, raw string
		if err := rows.Scan(&itemID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan backpack status: %w", err)
		}
		st, err := backpack.ParseStatus(raw)
		if err != nil {
			return nil, shared.WrapError("backpack", "ListStatuses", shared.ErrInvalidFormat,
				"stored status of item "+itemID, err)
		}
		out[itemID] = st
	}
	return out, rows.Err()
}

// SaveStatuses upserts the statuses evaluated at evaluatedAt. Rows evaluated
// later than that are kept.
func (r *BackpackRepository) SaveStatuses(ctx context.Context, studentID string, statuses map[string]backpack.Status, evaluatedAt time.Time) error {
	if len(statuses) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, itemID := range shared.SortedKeys(statuses) {
		batch.Queue(`
			INSERT INTO backpack_statuses (student_id, item_id, status, evaluated_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (student_id, item_id) DO UPDATE SET
				status = EXCLUDED.status,
				evaluated_at = EXCLUDED.evaluated_at,
				updated_at = EXCLUDED.updated_at
			WHERE backpack_statuses.evaluated_at <= EXCLUDED.evaluated_at
		`, studentID, itemID, string(statuses[itemID]), evaluatedAt)
	}

	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save backpack statuses: %w", err)
		}
		return nil
	})
}

// SaveItems upserts items of one student.
func (r *BackpackRepository) SaveItems(ctx context.Context, studentID string, items []backpack.Item) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		skills := item.Skills
		if skills == nil {
			skills = []string{}
		}
		batch.Queue(`
			INSERT INTO backpack_items (student_id, item_id, kind, name, exercise_id, skills)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (student_id, item_id) DO UPDATE SET
				kind = EXCLUDED.kind,
				name = EXCLUDED.name,
				exercise_id = EXCLUDED.exercise_id,
				skills = EXCLUDED.skills
		`, studentID, item.ID, string(item.Kind), item.Name, item.ExerciseID, skills)
	}

	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save backpack items: %w", err)
		}
		return nil
	})
}
