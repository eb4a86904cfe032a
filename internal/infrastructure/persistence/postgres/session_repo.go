package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/practice"
)

// SessionRepository implements practice.Repository using PostgreSQL.
type SessionRepository struct {
	conn  *Connection
	scale practice.ScaleSource
}

var _ practice.Repository = (*SessionRepository)(nil)

// NewSessionRepository creates a SessionRepository. Ratings outside the
// scale in force at read time make a session malformed.
func NewSessionRepository(conn *Connection, scale practice.ScaleSource) *SessionRepository {
	return &SessionRepository{conn: conn, scale: scale}
}

const listSessionsQuery = `
	SELECT s.id, s.student_id, s.started_at, s.ended_at, s.duration_seconds,
	       b.skill_tag, b.self_rating, b.exercise_id, b.target_bpm, b.achieved_bpm, b.completed
	FROM practice_sessions s
	LEFT JOIN session_blocks b ON b.session_id = s.id
	WHERE s.student_id = ANY($1)
	  AND ($2::timestamptz IS NULL OR s.started_at >= $2)
	  AND ($3::timestamptz IS NULL OR s.started_at < $3)
	ORDER BY s.student_id, s.started_at, s.id, b.position
`

// ListSessions returns one student's sessions inside rng.
func (r *SessionRepository) ListSessions(ctx context.Context, studentID string, rng practice.Range) ([]practice.Session, error) {
	all, err := r.ListSessionsForStudents(ctx, []string{studentID}, rng)
	if err != nil {
		return nil, err
	}
	return all[studentID], nil
}

// ListSessionsForStudents loads several students in one round trip.
func (r *SessionRepository) ListSessionsForStudents(ctx context.Context, studentIDs []string, rng practice.Range) (map[string][]practice.Session, error) {
	out := make(map[string][]practice.Session, len(studentIDs))
	for _, id := range studentIDs {
		out[id] = []practice.Session{}
	}
	if len(studentIDs) == 0 {
		return out, nil
	}

	rows, err := r.conn.Query(ctx, listSessionsQuery, studentIDs, bound(rng.Since), bound(rng.Until))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	scale := r.scale.RatingScale()
	var (
		cur     practice.Session
		started bool
	)
	flush := func() error {
		if !started {
			return nil
		}
		s, err := practice.NewSession(cur, scale)
		if err != nil {
			return err
		}
		out[s.StudentID] = append(out[s.StudentID], s)
		return nil
	}

	for rows.Next() {
		var (
			id, studentID string
			startedAt     time.Time
			endedAt       *time.Time
			duration      int64
			skillTag      *string
			rating        *int16
			exerciseID    *string
			targetBPM     *int32
			achievedBPM   *int32
			completed     *bool
		)
		if err := rows.Scan(&id, &studentID, &startedAt, &endedAt, &duration,
			&skillTag, &rating, &exerciseID, &targetBPM, &achievedBPM, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		if !started || cur.ID != id {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = practice.Session{ID: id, StudentID: studentID, StartedAt: startedAt, DurationSeconds: duration}
			if endedAt != nil {
				cur.EndedAt = *endedAt
			}
			started = true
		}

		if skillTag == nil {
			continue
		}
		b := practice.BlockEntry{
			SkillTag:    *skillTag,
			ExerciseID:  deref(exerciseID),
			TargetBPM:   int(deref(targetBPM)),
			AchievedBPM: int(deref(achievedBPM)),
			Completed:   deref(completed),
		}
		if rating != nil {
			b.SelfRating = practice.Rating(int(*rating))
		}
		cur.Blocks = append(cur.Blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSessions upserts sessions and replaces their blocks.
func (r *SessionRepository) SaveSessions(ctx context.Context, sessions []practice.Session) error {
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		for _, s := range sessions {
			_, err := tx.Exec(ctx, `
				INSERT INTO practice_sessions (id, student_id, started_at, ended_at, duration_seconds)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					student_id = EXCLUDED.student_id,
					started_at = EXCLUDED.started_at,
					ended_at = EXCLUDED.ended_at,
					duration_seconds = EXCLUDED.duration_seconds
			`, s.ID, s.StudentID, s.StartedAt, bound(s.EndedAt), s.DurationSeconds)
			if err != nil {
				return fmt.Errorf("failed to save session %s: %w", s.ID, err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM session_blocks WHERE session_id = $1`, s.ID); err != nil {
				return fmt.Errorf("failed to clear blocks of %s: %w", s.ID, err)
			}

			batch := &pgx.Batch{}
			for i, b := range s.Blocks {
				batch.Queue(`
					INSERT INTO session_blocks
						(session_id, position, skill_tag, self_rating, exercise_id, target_bpm, achieved_bpm, completed)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				`, s.ID, i, b.SkillTag, b.SelfRating, b.ExerciseID, b.TargetBPM, b.AchievedBPM, b.Completed)
			}
			if batch.Len() > 0 {
				if err := tx.SendBatch(ctx, batch).Close(); err != nil {
					return fmt.Errorf("failed to save blocks of %s: %w", s.ID, err)
				}
			}
		}
		return nil
	})
}

func bound(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
