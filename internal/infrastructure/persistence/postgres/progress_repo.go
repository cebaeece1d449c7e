package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// The DurableBackend. Deltas are added in SQL and whole-value fields are
// replaced, so commits from two devices of one account merge instead of
// overwriting each other.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progression.ProgressBackend on PostgreSQL.
type ProgressRepository struct {
	conn  *Connection
	rules *progression.Rules
}

// NewProgressRepository creates the repository. rules fill in modules and
// achievements that have no row yet.
func NewProgressRepository(conn *Connection, rules *progression.Rules) *ProgressRepository {
	if rules == nil {
		rules = progression.DefaultRules()
	}
	return &ProgressRepository{conn: conn, rules: rules}
}

// Kind implements progression.ProgressBackend.
func (r *ProgressRepository) Kind() progression.BackendKind { return progression.BackendDurable }

// Close closes the pool.
func (r *ProgressRepository) Close() error {
	r.conn.Close()
	return nil
}

// withUser runs fn in a transaction scoped to one account for row-level
// security.
func (r *ProgressRepository) withUser(ctx context.Context, id shared.UserID, fn func(tx pgx.Tx) error) error {
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.user_id', $1, true)`, id.String()); err != nil {
			return err
		}
		return fn(tx)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

const selectProgressSQL = `
	SELECT display_name, xp, gems,
	       hearts, last_heart_depletion,
	       current_streak, longest_streak, last_activity_day,
	       task_day, daily_set_completed,
	       total_tasks_completed, videos_watched, quizzes_completed, flashcards_studied,
	       lessons_completed, perfect_lessons, fast_completions, learning_seconds,
	       current_module_id, current_lesson_id,
	       created_at, updated_at
	FROM user_progress
	WHERE user_id = $1`

// Load implements progression.ProgressBackend.
func (r *ProgressRepository) Load(ctx context.Context, id shared.UserID) (*progression.UserProgress, error) {
	var p *progression.UserProgress
	err := r.withUser(ctx, id, func(tx pgx.Tx) error {
		var err error
		p, err = r.load(ctx, tx, id)
		return err
	})
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrRecordNotFound
		}
		return nil, mapError("Load", err)
	}
	return p, nil
}

func (r *ProgressRepository) load(ctx context.Context, q Querier, id shared.UserID) (*progression.UserProgress, error) {
	p := &progression.UserProgress{UserID: id, Guest: false}

	var (
		lastActivity *int64
		taskDay      int64
		c            = &p.Counters
	)
	err := q.QueryRow(ctx, selectProgressSQL, id.String()).Scan(
		&p.DisplayName, &p.XP, &p.Gems,
		&p.Hearts.Hearts, &p.Hearts.LastDepletion,
		&p.Streak.Current, &p.Streak.Longest, &lastActivity,
		&taskDay, &p.DailySetCompleted,
		&c.TotalTasksCompleted, &c.VideosWatched, &c.QuizzesCompleted, &c.FlashcardsStudied,
		&c.LessonsCompleted, &c.PerfectLessons, &c.FastCompletions, &c.LearningSeconds,
		&p.Current.ModuleID, &p.Current.LessonID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.TaskDay = timeutil.Day(taskDay)
	if lastActivity != nil {
		d := timeutil.Day(*lastActivity)
		p.Streak.LastActivity = &d
	}

	if p.CompletedTasks, err = r.loadTasks(ctx, q, id, p.TaskDay); err != nil {
		return nil, err
	}
	if p.Modules, err = r.loadModules(ctx, q, id); err != nil {
		return nil, err
	}
	if p.Achievements, err = r.loadAchievements(ctx, q, id); err != nil {
		return nil, err
	}
	if p.RecentEvents, err = r.loadRecentEvents(ctx, q, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ProgressRepository) loadTasks(ctx context.Context, q Querier, id shared.UserID, day timeutil.Day) (map[string]progression.CompletedTask, error) {
	rows, err := q.Query(ctx, `
		SELECT task_id, kind, xp, gems, completed_at
		FROM completed_tasks
		WHERE user_id = $1 AND day_index = $2`, id.String(), day.Index())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]progression.CompletedTask)
	for rows.Next() {
		var t progression.CompletedTask
		var kind string
		if err := rows.Scan(&t.TaskID, &kind, &t.XP, &t.Gems, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Kind = progression.TaskKind(kind)
		out[t.TaskID] = t
	}
	return out, rows.Err()
}

func (r *ProgressRepository) loadModules(ctx context.Context, q Querier, id shared.UserID) (map[string]progression.ModuleProgress, error) {
	out := r.rules.Modules.InitialProgress()

	rows, err := q.Query(ctx, `
		SELECT module_id, status, completed_lessons, total_lessons, average_score,
		       mastery, lesson_streak, time_spent_seconds, completed_lesson_ids, last_accessed
		FROM module_progress
		WHERE user_id = $1`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m progression.ModuleProgress
		var status string
		if err := rows.Scan(
			&m.ModuleID, &status, &m.CompletedLessons, &m.TotalLessons, &m.AverageScore,
			&m.Mastery, &m.LessonStreak, &m.TimeSpentSeconds, &m.CompletedLessonIDs, &m.LastAccessed,
		); err != nil {
			return nil, err
		}
		m.Status = progression.ModuleStatus(status)
		out[m.ModuleID] = m
	}
	return out, rows.Err()
}

func (r *ProgressRepository) loadAchievements(ctx context.Context, q Querier, id shared.UserID) (map[progression.AchievementID]progression.AchievementState, error) {
	out := r.rules.Achievements.InitialStates()

	rows, err := q.Query(ctx, `
		SELECT achievement_id, progress, total, completed, claimed, unlocked_at, claimed_at
		FROM achievements
		WHERE user_id = $1`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a progression.AchievementState
		var achID string
		if err := rows.Scan(&achID, &a.Progress, &a.Total, &a.Completed, &a.Claimed, &a.UnlockedAt, &a.ClaimedAt); err != nil {
			return nil, err
		}
		a.ID = progression.AchievementID(achID)
		out[a.ID] = a
	}
	return out, rows.Err()
}

// loadRecentEvents returns the newest applied event ids, oldest first, so a
// fresh session recognises replays of events it never saw.
func (r *ProgressRepository) loadRecentEvents(ctx context.Context, q Querier, id shared.UserID) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT event_id FROM applied_events
		WHERE user_id = $1
		ORDER BY applied_at DESC
		LIMIT $2`, id.String(), progression.RecentEventsLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, err
		}
		ids = append(ids, eventID)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

// Create implements progression.ProgressBackend.
func (r *ProgressRepository) Create(ctx context.Context, p *progression.UserProgress) error {
	err := r.withUser(ctx, p.UserID, func(tx pgx.Tx) error {
		var lastActivity *int64
		if p.Streak.LastActivity != nil {
			v := p.Streak.LastActivity.Index()
			lastActivity = &v
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO user_progress (
				user_id, display_name, xp, gems, hearts, last_heart_depletion,
				current_streak, longest_streak, last_activity_day, task_day,
				current_module_id, current_lesson_id, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id) DO NOTHING`,
			p.UserID.String(), p.DisplayName, p.XP, p.Gems, p.Hearts.Hearts, p.Hearts.LastDepletion,
			p.Streak.Current, p.Streak.Longest, lastActivity, p.TaskDay.Index(),
			p.Current.ModuleID, p.Current.LessonID, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrAlreadyExists
		}

		modules := make([]progression.ModuleProgress, 0, len(p.Modules))
		for _, m := range p.Modules {
			modules = append(modules, m)
		}
		achievements := make([]progression.AchievementState, 0, len(p.Achievements))
		for _, a := range p.Achievements {
			achievements = append(achievements, a)
		}
		return upsertChildren(ctx, tx, p.UserID, modules, achievements)
	})
	if errors.Is(err, shared.ErrAlreadyExists) {
		return shared.ErrAlreadyExists
	}
	return mapError("Create", err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Commit
// ─────────────────────────────────────────────────────────────────────────────

// Commit implements progression.ProgressBackend. The idempotency insert and
// the field merges share one transaction: either both land or neither.
func (r *ProgressRepository) Commit(ctx context.Context, c progression.Commit) (bool, error) {
	applied := false
	err := r.withUser(ctx, c.UserID, func(tx pgx.Tx) error {
		fresh, err := claimKey(ctx, tx, c)
		if err != nil || !fresh {
			return err
		}

		query, args := buildPatchUpdate(c)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}

		if err := upsertChildren(ctx, tx, c.UserID, c.Patch.Modules, c.Patch.Achievements); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, mapError("Commit", err)
	}
	return applied, nil
}

// claimKey records the idempotency key and reports whether it was new.
func claimKey(ctx context.Context, tx pgx.Tx, c progression.Commit) (bool, error) {
	var (
		query string
		args  []any
	)

	if c.Key.Kind == progression.KeyTask {
		t := progression.CompletedTask{TaskID: c.Key.TaskID, CompletedAt: c.At}
		if c.Patch.CompletedTask != nil {
			t = *c.Patch.CompletedTask
		}
		query = `
			INSERT INTO completed_tasks (user_id, day_index, task_id, kind, xp, gems, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, day_index, task_id) DO NOTHING`
		args = []any{c.UserID.String(), c.Key.Day.Index(), c.Key.TaskID, string(t.Kind), t.XP, t.Gems, t.CompletedAt}
	} else {
		query = `
			INSERT INTO applied_events (user_id, event_id, kind, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, event_id) DO NOTHING`
		args = []any{c.UserID.String(), c.Key.EventID, string(c.Kind), c.At}
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// setBuilder collects "column = expr" assignments with numbered args.
type setBuilder struct {
	sets []string
	args []any
}

// add appends an assignment; expr has one %d for the placeholder number.
func (b *setBuilder) add(expr string, arg any) {
	b.args = append(b.args, arg)
	b.sets = append(b.sets, fmt.Sprintf(expr, len(b.args)))
}

func (b *setBuilder) raw(expr string) {
	b.sets = append(b.sets, expr)
}

func (b *setBuilder) increment(column string, delta int64) {
	if delta != 0 {
		b.add(column+" = "+column+" + $%d", delta)
	}
}

// buildPatchUpdate renders the UPDATE for a commit. Deltas are added,
// everything else is replaced.
func buildPatchUpdate(c progression.Commit) (string, []any) {
	p := c.Patch
	b := &setBuilder{}

	b.increment("xp", int64(p.XPDelta))
	b.increment("gems", int64(p.GemsDelta))

	cnt := p.Counters
	b.increment("total_tasks_completed", int64(cnt.TotalTasksCompleted))
	b.increment("videos_watched", int64(cnt.VideosWatched))
	b.increment("quizzes_completed", int64(cnt.QuizzesCompleted))
	b.increment("flashcards_studied", int64(cnt.FlashcardsStudied))
	b.increment("lessons_completed", int64(cnt.LessonsCompleted))
	b.increment("perfect_lessons", int64(cnt.PerfectLessons))
	b.increment("fast_completions", int64(cnt.FastCompletions))
	b.increment("learning_seconds", cnt.LearningSeconds)

	if p.Hearts != nil {
		b.add("hearts = $%d", p.Hearts.Hearts)
		b.add("last_heart_depletion = $%d", p.Hearts.LastDepletion)
	}
	if p.Streak != nil {
		var last *int64
		if p.Streak.LastActivity != nil {
			v := p.Streak.LastActivity.Index()
			last = &v
		}
		b.add("current_streak = $%d", p.Streak.Current)
		b.add("longest_streak = $%d", p.Streak.Longest)
		b.add("last_activity_day = $%d", last)
	}
	if p.TaskDay != nil {
		b.add("task_day = $%d", p.TaskDay.Index())
	}
	switch {
	case p.DailySetCompleted:
		b.raw("daily_set_completed = TRUE")
	case p.TaskDay != nil:
		b.raw("daily_set_completed = FALSE")
	}
	if p.Current != nil {
		b.add("current_module_id = $%d", p.Current.ModuleID)
		b.add("current_lesson_id = $%d", p.Current.LessonID)
	}
	b.add("updated_at = $%d", c.At)

	b.args = append(b.args, c.UserID.String())
	query := fmt.Sprintf("UPDATE user_progress SET %s WHERE user_id = $%d", strings.Join(b.sets, ", "), len(b.args))
	return query, b.args
}

func upsertChildren(ctx context.Context, tx pgx.Tx, id shared.UserID, modules []progression.ModuleProgress, achievements []progression.AchievementState) error {
	if len(modules) == 0 && len(achievements) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range modules {
		ids := m.CompletedLessonIDs
		if ids == nil {
			ids = []string{}
		}
		batch.Queue(`
			INSERT INTO module_progress (
				user_id, module_id, status, completed_lessons, total_lessons, average_score,
				mastery, lesson_streak, time_spent_seconds, completed_lesson_ids, last_accessed
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_id, module_id) DO UPDATE SET
				status = EXCLUDED.status,
				completed_lessons = EXCLUDED.completed_lessons,
				total_lessons = EXCLUDED.total_lessons,
				average_score = EXCLUDED.average_score,
				mastery = EXCLUDED.mastery,
				lesson_streak = EXCLUDED.lesson_streak,
				time_spent_seconds = EXCLUDED.time_spent_seconds,
				completed_lesson_ids = EXCLUDED.completed_lesson_ids,
				last_accessed = EXCLUDED.last_accessed`,
			id.String(), m.ModuleID, string(m.Status), m.CompletedLessons, m.TotalLessons, m.AverageScore,
			m.Mastery, m.LessonStreak, m.TimeSpentSeconds, ids, m.LastAccessed,
		)
	}
	for _, a := range achievements {
		// claimed never goes back to false, whichever device commits last.
		batch.Queue(`
			INSERT INTO achievements (
				user_id, achievement_id, progress, total, completed, claimed, unlocked_at, claimed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, achievement_id) DO UPDATE SET
				progress = GREATEST(achievements.progress, EXCLUDED.progress),
				total = EXCLUDED.total,
				completed = achievements.completed OR EXCLUDED.completed,
				claimed = achievements.claimed OR EXCLUDED.claimed,
				unlocked_at = COALESCE(achievements.unlocked_at, EXCLUDED.unlocked_at),
				claimed_at = COALESCE(achievements.claimed_at, EXCLUDED.claimed_at)`,
			id.String(), string(a.ID), a.Progress, a.Total, a.Completed, a.Claimed, a.UnlockedAt, a.ClaimedAt,
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance (worker)
// ─────────────────────────────────────────────────────────────────────────────

// PurgeTaskHistory deletes completed-task rows of days before the given
// day. Those keys can never be replayed: tasks are accepted for today only.
func (r *ProgressRepository) PurgeTaskHistory(ctx context.Context, before timeutil.Day) (int64, error) {
	tag, err := r.conn.Exec(ctx, `DELETE FROM completed_tasks WHERE day_index < $1`, before.Index())
	if err != nil {
		return 0, mapError("PurgeTaskHistory", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeAppliedEvents deletes event keys older than the cutoff.
func (r *ProgressRepository) PurgeAppliedEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx, `DELETE FROM applied_events WHERE applied_at < $1`, before)
	if err != nil {
		return 0, mapError("PurgeAppliedEvents", err)
	}
	return tag.RowsAffected(), nil
}

// SweepHearts regenerates hearts of accounts nobody is online for, with
// the same carry-over rule the engine uses. It returns the rows touched.
func (r *ProgressRepository) SweepHearts(ctx context.Context, now time.Time, cfg progression.HeartsConfig) (int64, error) {
	if cfg.Interval <= 0 || cfg.Max <= 0 {
		return 0, nil
	}
	tag, err := r.conn.Exec(ctx, `
		WITH due AS (
			SELECT user_id,
			       FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - last_heart_depletion))::float8 / $3::float8)::int AS restored
			FROM user_progress
			WHERE last_heart_depletion IS NOT NULL
			  AND hearts < $1
			  AND last_heart_depletion + make_interval(secs => $3::float8) <= $2::timestamptz
		)
		UPDATE user_progress u SET
			hearts = LEAST($1, u.hearts + due.restored),
			last_heart_depletion = CASE
				WHEN u.hearts + due.restored >= $1 THEN NULL
				ELSE u.last_heart_depletion + make_interval(secs => due.restored * $3::float8)
			END,
			updated_at = $2::timestamptz
		FROM due
		WHERE u.user_id = due.user_id`,
		cfg.Max, now, cfg.Interval.Seconds(),
	)
	if err != nil {
		return 0, mapError("SweepHearts", err)
	}
	return tag.RowsAffected(), nil
}

var _ progression.ProgressBackend = (*ProgressRepository)(nil)
