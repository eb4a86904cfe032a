// Package sqlite is an embedded session source for offline use: the CLI
// reads exported practice data from a single file with the same semantics
// as the PostgreSQL adapter.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/sqlite/migrations"
)

// Store persists sessions, backpacks and adjustments in SQLite.
type Store struct {
	sqlDB *sql.DB
	scale practice.ScaleSource
}

var (
	_ practice.Repository     = (*Store)(nil)
	_ backpack.Repository     = (*Store)(nil)
	_ xp.AdjustmentRepository = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies the embedded schema. Stored
// ratings are checked against the scale in force at read time.
func Open(path string, scale practice.ScaleSource) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, scale: scale}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var n int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// IsBusy reports whether err is SQLite lock contention, which is worth
// retrying.
func IsBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

// ListSessions returns one student's sessions inside rng.
func (s *Store) ListSessions(ctx context.Context, studentID string, rng practice.Range) ([]practice.Session, error) {
	all, err := s.ListSessionsForStudents(ctx, []string{studentID}, rng)
	if err != nil {
		return nil, err
	}
	return all[studentID], nil
}

// ListSessionsForStudents loads several students with one query.
func (s *Store) ListSessionsForStudents(ctx context.Context, studentIDs []string, rng practice.Range) (map[string][]practice.Session, error) {
	out := make(map[string][]practice.Session, len(studentIDs))
	for _, id := range studentIDs {
		out[id] = []practice.Session{}
	}
	if len(studentIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(studentIDs)+2)
	for _, id := range studentIDs {
		args = append(args, id)
	}
	query := `
		SELECT s.id, s.student_id, s.started_at, s.ended_at, s.duration_seconds,
		       b.skill_tag, b.self_rating, b.exercise_id, b.target_bpm, b.achieved_bpm, b.completed
		FROM practice_sessions s
		LEFT JOIN session_blocks b ON b.session_id = s.id
		WHERE s.student_id IN (?` + strings.Repeat(", ?", len(studentIDs)-1) + `)`
	if !rng.Since.IsZero() {
		query += ` AND s.started_at >= ?`
		args = append(args, toMillis(rng.Since))
	}
	if !rng.Until.IsZero() {
		query += ` AND s.started_at < ?`
		args = append(args, toMillis(rng.Until))
	}
	query += ` ORDER BY s.student_id, s.started_at, s.id, b.position`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	scale := s.scale.RatingScale()
	var (
		cur     practice.Session
		started bool
	)
	flush := func() error {
		if !started {
			return nil
		}
		sess, err := practice.NewSession(cur, scale)
		if err != nil {
			return err
		}
		out[sess.StudentID] = append(out[sess.StudentID], sess)
		return nil
	}

	for rows.Next() {
		var (
			id, studentID string
			startedAt     int64
			endedAt       sql.NullInt64
			duration      int64
			skillTag      sql.NullString
			rating        sql.NullInt64
			exerciseID    sql.NullString
			targetBPM     sql.NullInt64
			achievedBPM   sql.NullInt64
			completed     sql.NullBool
		)
		if err := rows.Scan(&id, &studentID, &startedAt, &endedAt, &duration,
			&skillTag, &rating, &exerciseID, &targetBPM, &achievedBPM, &completed); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		if !started || cur.ID != id {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = practice.Session{ID: id, StudentID: studentID, StartedAt: fromMillis(startedAt), DurationSeconds: duration}
			if endedAt.Valid {
				cur.EndedAt = fromMillis(endedAt.Int64)
			}
			started = true
		}

		if !skillTag.Valid {
			continue
		}
		b := practice.BlockEntry{
			SkillTag:    skillTag.String,
			ExerciseID:  exerciseID.String,
			TargetBPM:   int(targetBPM.Int64),
			AchievedBPM: int(achievedBPM.Int64),
			Completed:   completed.Bool,
		}
		if rating.Valid {
			b.SelfRating = practice.Rating(int(rating.Int64))
		}
		cur.Blocks = append(cur.Blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSessions upserts sessions and replaces their blocks.
func (s *Store) SaveSessions(ctx context.Context, sessions []practice.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sess := range sessions {
			var endedAt any
			if !sess.EndedAt.IsZero() {
				endedAt = toMillis(sess.EndedAt)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO practice_sessions (id, student_id, started_at, ended_at, duration_seconds)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					student_id = excluded.student_id,
					started_at = excluded.started_at,
					ended_at = excluded.ended_at,
					duration_seconds = excluded.duration_seconds`,
				sess.ID, sess.StudentID, toMillis(sess.StartedAt), endedAt, sess.DurationSeconds); err != nil {
				return fmt.Errorf("save session %s: %w", sess.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_blocks WHERE session_id = ?`, sess.ID); err != nil {
				return fmt.Errorf("clear blocks of %s: %w", sess.ID, err)
			}
			for i, b := range sess.Blocks {
				var rating any
				if b.SelfRating != nil {
					rating = *b.SelfRating
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO session_blocks
						(session_id, position, skill_tag, self_rating, exercise_id, target_bpm, achieved_bpm, completed)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					sess.ID, i, b.SkillTag, rating, b.ExerciseID, b.TargetBPM, b.AchievedBPM, b.Completed); err != nil {
					return fmt.Errorf("save block %d of %s: %w", i, sess.ID, err)
				}
			}
		}
		return nil
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKPACK
// ══════════════════════════════════════════════════════════════════════════════

// ListItems returns the student's items ordered by id.
func (s *Store) ListItems(ctx context.Context, studentID string) ([]backpack.Item, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT item_id, kind, name, exercise_id, skills
		FROM backpack_items WHERE student_id = ? ORDER BY item_id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query backpack items: %w", err)
	}
	defer rows.Close()

	var items []backpack.Item
	for rows.Next() {
		var (
			item   backpack.Item
			kind   string
			skills string
		)
		if err := rows.Scan(&item.ID, &kind, &item.Name, &item.ExerciseID, &skills); err != nil {
			return nil, fmt.Errorf("scan backpack item: %w", err)
		}
		if err := json.Unmarshal([]byte(skills), &item.Skills); err != nil {
			return nil, fmt.Errorf("decode skills of %s: %w", item.ID, err)
		}
		item.Kind = backpack.ItemKind(kind)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveItems upserts items of one student.
func (s *Store) SaveItems(ctx context.Context, studentID string, items []backpack.Item) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			skills := item.Skills
			if skills == nil {
				skills = []string{}
			}
			encoded, err := json.Marshal(skills)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO backpack_items (student_id, item_id, kind, name, exercise_id, skills)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (student_id, item_id) DO UPDATE SET
					kind = excluded.kind,
					name = excluded.name,
					exercise_id = excluded.exercise_id,
					skills = excluded.skills`,
				studentID, item.ID, string(item.Kind), item.Name, item.ExerciseID, string(encoded)); err != nil {
				return fmt.Errorf("save backpack item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// ListStatuses returns the statuses last saved for the student's items.
func (s *Store) ListStatuses(ctx context.Context, studentID string) (map[string]backpack.Status, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT item_id, status FROM backpack_statuses WHERE student_id = ?`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query backpack statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]backpack.Status)
	for rows.Next() {
		var itemID, raw string
		if err := rows.Scan(&itemID, &raw); err != nil {
			return nil, fmt.Errorf("scan backpack status: %w", err)
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
func (s *Store) SaveStatuses(ctx context.Context, studentID string, statuses map[string]backpack.Status, evaluatedAt time.Time) error {
	now := toMillis(time.Now())
	at := toMillis(evaluatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, itemID := range shared.SortedKeys(statuses) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO backpack_statuses (student_id, item_id, status, evaluated_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (student_id, item_id) DO UPDATE SET
					status = excluded.status,
					evaluated_at = excluded.evaluated_at,
					updated_at = excluded.updated_at
				WHERE backpack_statuses.evaluated_at <= excluded.evaluated_at`,
				studentID, itemID, string(statuses[itemID]), at, now); err != nil {
				return fmt.Errorf("save status of %s: %w", itemID, err)
			}
		}
		return nil
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ADJUSTMENTS
// ══════════════════════════════════════════════════════════════════════════════

// ListAdjustments returns the student's adjustments, oldest first.
func (s *Store) ListAdjustments(ctx context.Context, studentID string) ([]xp.Adjustment, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, kind, amount, reason, occurred_at
		FROM xp_adjustments WHERE student_id = ? ORDER BY occurred_at, id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query adjustments: %w", err)
	}
	defer rows.Close()

	var out []xp.Adjustment
	for rows.Next() {
		var (
			a          xp.Adjustment
			kind       string
			occurredAt int64
		)
		if err := rows.Scan(&a.ID, &kind, &a.Amount, &a.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		a.Kind = xp.AdjustmentKind(kind)
		a.OccurredAt = fromMillis(occurredAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAdjustment records one adjustment; existing ids are left untouched.
func (s *Store) SaveAdjustment(ctx context.Context, studentID string, a xp.Adjustment) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO xp_adjustments (id, student_id, kind, amount, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, studentID, string(a.Kind), a.Amount, a.Reason, toMillis(a.OccurredAt))
	if err != nil {
		return fmt.Errorf("save adjustment %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
