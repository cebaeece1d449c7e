package postgres

// GetMigrations returns all embedded migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_progress", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "row_level_security", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- One row per account. Counters are only ever incremented by commits;
-- hearts, streak and task day are replaced as a whole.
CREATE TABLE IF NOT EXISTS user_progress (
    user_id               TEXT PRIMARY KEY,
    display_name          TEXT NOT NULL DEFAULT '',
    xp                    INTEGER NOT NULL DEFAULT 0,
    gems                  INTEGER NOT NULL DEFAULT 0,

    hearts                INTEGER NOT NULL DEFAULT 5,
    last_heart_depletion  TIMESTAMPTZ,

    current_streak        INTEGER NOT NULL DEFAULT 0,
    longest_streak        INTEGER NOT NULL DEFAULT 0,
    last_activity_day     BIGINT,

    task_day              BIGINT NOT NULL,
    daily_set_completed   BOOLEAN NOT NULL DEFAULT FALSE,

    total_tasks_completed INTEGER NOT NULL DEFAULT 0,
    videos_watched        INTEGER NOT NULL DEFAULT 0,
    quizzes_completed     INTEGER NOT NULL DEFAULT 0,
    flashcards_studied    INTEGER NOT NULL DEFAULT 0,
    lessons_completed     INTEGER NOT NULL DEFAULT 0,
    perfect_lessons       INTEGER NOT NULL DEFAULT 0,
    fast_completions      INTEGER NOT NULL DEFAULT 0,
    learning_seconds      BIGINT NOT NULL DEFAULT 0,

    current_module_id     TEXT NOT NULL DEFAULT '',
    current_lesson_id     TEXT NOT NULL DEFAULT '',

    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_user_progress_hearts
    ON user_progress(last_heart_depletion) WHERE last_heart_depletion IS NOT NULL;

-- Completed daily tasks. The primary key is the task idempotency key.
CREATE TABLE IF NOT EXISTS completed_tasks (
    user_id      TEXT NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    day_index    BIGINT NOT NULL,
    task_id      TEXT NOT NULL,
    kind         TEXT NOT NULL,
    xp           INTEGER NOT NULL DEFAULT 0,
    gems         INTEGER NOT NULL DEFAULT 0,
    completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, day_index, task_id)
);

CREATE INDEX IF NOT EXISTS idx_completed_tasks_day ON completed_tasks(day_index);

-- Applied event ids for every other commit kind.
CREATE TABLE IF NOT EXISTS applied_events (
    user_id    TEXT NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    event_id   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_applied_events_user_time ON applied_events(user_id, applied_at DESC);

CREATE TABLE IF NOT EXISTS module_progress (
    user_id              TEXT NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    module_id            TEXT NOT NULL,
    status               TEXT NOT NULL,
    completed_lessons    INTEGER NOT NULL DEFAULT 0,
    total_lessons        INTEGER NOT NULL DEFAULT 0,
    average_score        INTEGER NOT NULL DEFAULT 0,
    mastery              INTEGER NOT NULL DEFAULT 0,
    lesson_streak        INTEGER NOT NULL DEFAULT 0,
    time_spent_seconds   BIGINT NOT NULL DEFAULT 0,
    completed_lesson_ids TEXT[] NOT NULL DEFAULT '{}',
    last_accessed        TIMESTAMPTZ,
    PRIMARY KEY (user_id, module_id)
);

CREATE TABLE IF NOT EXISTS achievements (
    user_id        TEXT NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    achievement_id TEXT NOT NULL,
    progress       INTEGER NOT NULL DEFAULT 0,
    total          INTEGER NOT NULL DEFAULT 0,
    completed      BOOLEAN NOT NULL DEFAULT FALSE,
    claimed        BOOLEAN NOT NULL DEFAULT FALSE,
    unlocked_at    TIMESTAMPTZ,
    claimed_at     TIMESTAMPTZ,
    PRIMARY KEY (user_id, achievement_id)
);
`

const migration001Down = `
DROP TABLE IF EXISTS achievements;
DROP TABLE IF EXISTS module_progress;
DROP TABLE IF EXISTS applied_events;
DROP TABLE IF EXISTS completed_tasks;
DROP TABLE IF EXISTS user_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: ROW LEVEL SECURITY
// Rows are visible only to the account named by app.user_id, which the
// repository sets at the start of every transaction. Roles with BYPASSRLS
// (the worker) are unaffected.
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
ALTER TABLE user_progress   ENABLE ROW LEVEL SECURITY;
ALTER TABLE completed_tasks ENABLE ROW LEVEL SECURITY;
ALTER TABLE applied_events  ENABLE ROW LEVEL SECURITY;
ALTER TABLE module_progress ENABLE ROW LEVEL SECURITY;
ALTER TABLE achievements    ENABLE ROW LEVEL SECURITY;

CREATE POLICY own_progress ON user_progress
    USING (user_id = current_setting('app.user_id', true));
CREATE POLICY own_tasks ON completed_tasks
    USING (user_id = current_setting('app.user_id', true));
CREATE POLICY own_events ON applied_events
    USING (user_id = current_setting('app.user_id', true));
CREATE POLICY own_modules ON module_progress
    USING (user_id = current_setting('app.user_id', true));
CREATE POLICY own_achievements ON achievements
    USING (user_id = current_setting('app.user_id', true));
`

const migration002Down = `
DROP POLICY IF EXISTS own_achievements ON achievements;
DROP POLICY IF EXISTS own_modules ON module_progress;
DROP POLICY IF EXISTS own_events ON applied_events;
DROP POLICY IF EXISTS own_tasks ON completed_tasks;
DROP POLICY IF EXISTS own_progress ON user_progress;

ALTER TABLE achievements    DISABLE ROW LEVEL SECURITY;
ALTER TABLE module_progress DISABLE ROW LEVEL SECURITY;
ALTER TABLE applied_events  DISABLE ROW LEVEL SECURITY;
ALTER TABLE completed_tasks DISABLE ROW LEVEL SECURITY;
ALTER TABLE user_progress   DISABLE ROW LEVEL SECURITY;
`
