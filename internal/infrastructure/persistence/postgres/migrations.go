package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_practice_sessions",
			UpSQL:   migration001Up,
		},
		{
			Version: 2,
			Name:    "create_backpack_and_adjustments",
			UpSQL:   migration002Up,
		},
		{
			Version: 3,
			Name:    "notify_sessions_changed",
			UpSQL:   migration003Up,
		},
		{
			Version: 4,
			Name:    "status_evaluated_at",
			UpSQL:   migration004Up,
		},
	}
}

// NotifyChannel is the LISTEN channel fed by the migration 003 triggers.
// Payloads are bare student ids.
const NotifyChannel = "sessions_changed"

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PRACTICE SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS practice_sessions (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    ended_at TIMESTAMP WITH TIME ZONE,
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_duration CHECK (duration_seconds >= 0)
);

-- Sessions are always read per student in StartedAt order.
CREATE INDEX IF NOT EXISTS idx_practice_sessions_student_started
    ON practice_sessions(student_id, started_at);

CREATE TABLE IF NOT EXISTS session_blocks (
    session_id TEXT NOT NULL REFERENCES practice_sessions(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    skill_tag TEXT NOT NULL,
    self_rating SMALLINT,
    exercise_id TEXT NOT NULL DEFAULT '',
    target_bpm INTEGER NOT NULL DEFAULT 0,
    achieved_bpm INTEGER NOT NULL DEFAULT 0,
    completed BOOLEAN NOT NULL DEFAULT FALSE,

    PRIMARY KEY (session_id, position),
    CONSTRAINT valid_bpm CHECK (target_bpm >= 0 AND achieved_bpm >= 0)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: BACKPACK AND XP ADJUSTMENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS backpack_items (
    student_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    kind VARCHAR(20) NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    exercise_id TEXT NOT NULL DEFAULT '',
    skills TEXT[] NOT NULL DEFAULT '{}',
    added_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (student_id, item_id),
    CONSTRAINT valid_kind CHECK (kind IN ('exercise', 'technique'))
);

-- Statuses last derived by the engine; they anchor decay.
CREATE TABLE IF NOT EXISTS backpack_statuses (
    student_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    status VARCHAR(20) NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (student_id, item_id),
    CONSTRAINT valid_status CHECK (status IN ('not_started', 'in_progress', 'consolidating', 'mastered'))
);

CREATE TABLE IF NOT EXISTS xp_adjustments (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    kind VARCHAR(20) NOT NULL,
    amount BIGINT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_adjustment_kind CHECK (kind IN ('evaluation', 'spend')),
    CONSTRAINT valid_amount CHECK (amount >= 0)
);

CREATE INDEX IF NOT EXISTS idx_xp_adjustments_student ON xp_adjustments(student_id, occurred_at);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CHANGE NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE OR REPLACE FUNCTION notify_sessions_changed() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('sessions_changed', OLD.student_id);
    ELSE
        PERFORM pg_notify('sessions_changed', NEW.student_id);
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS practice_sessions_changed ON practice_sessions;
CREATE TRIGGER practice_sessions_changed
    AFTER INSERT OR UPDATE OR DELETE ON practice_sessions
    FOR EACH ROW EXECUTE FUNCTION notify_sessions_changed();

DROP TRIGGER IF EXISTS xp_adjustments_changed ON xp_adjustments;
CREATE TRIGGER xp_adjustments_changed
    AFTER INSERT OR UPDATE OR DELETE ON xp_adjustments
    FOR EACH ROW EXECUTE FUNCTION notify_sessions_changed();

DROP TRIGGER IF EXISTS backpack_items_changed ON backpack_items;
CREATE TRIGGER backpack_items_changed
    AFTER INSERT OR UPDATE OR DELETE ON backpack_items
    FOR EACH ROW EXECUTE FUNCTION notify_sessions_changed();
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: STATUS EVALUATION TIME
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
ALTER TABLE backpack_statuses
    ADD COLUMN IF NOT EXISTS evaluated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT 'epoch';
`
