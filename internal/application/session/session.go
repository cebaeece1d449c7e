package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// One logged-in user. Events are reduced under the session mutex and their
// commits are queued in an outbox in the same critical section. The outbox
// is drained after the mutex is released, so commits of one session reach
// the backend in the order their events were applied and reads never wait
// for durable I/O. A commit that could not be confirmed stays queued and is
// resent with its original idempotency key by the next call.
// ══════════════════════════════════════════════════════════════════════════════

// Result is what every mutating call returns.
type Result struct {
	Snapshot progression.Snapshot
	Outcome  progression.Outcome

	// Duplicate means the event was already applied, either locally or by
	// another device on the durable record.
	Duplicate bool

	// Changed means the event produced a non-empty commit.
	Changed bool

	// Persisted is true when this commit and every commit queued before it
	// are confirmed by the backend.
	Persisted bool

	// Warning is a user-facing note about a failed durable write.
	Warning string
}

// LessonRequest describes a finished lesson.
type LessonRequest struct {
	// EventID makes client retries idempotent; empty generates a new id.
	EventID      string
	ModuleID     string
	LessonID     string
	Score        int
	TimeSpent    time.Duration
	Perfect      bool
	Mistakes     int
	Questions    int
	AnswerStreak int
}

// Session is the per-user entry point to the engine.
type Session struct {
	id          string
	store       *Store
	rules       *progression.Rules
	clock       progression.Clock
	events      shared.EventPublisher
	checkpoints progression.CheckpointStore
	log         *logger.Logger

	mu       sync.Mutex
	state    *progression.UserProgress
	lastSeen time.Time
	closed   bool
	outbox   []pendingCommit
	lastSeq  uint64

	// persistMu is held while draining the outbox. Never taken under mu.
	persistMu sync.Mutex
}

// pendingCommit is a commit that the backend has not confirmed yet.
type pendingCommit struct {
	seq    uint64
	commit progression.Commit
	failed bool
}

type sessionDeps struct {
	store       *Store
	rules       *progression.Rules
	clock       progression.Clock
	events      shared.EventPublisher
	checkpoints progression.CheckpointStore
	log         *logger.Logger
}

func newSession(state *progression.UserProgress, deps sessionDeps) *Session {
	id := uuid.NewString()
	return &Session{
		id:          id,
		store:       deps.store,
		rules:       deps.rules,
		clock:       deps.clock,
		events:      deps.events,
		checkpoints: deps.checkpoints,
		log: deps.log.Named("session").With(
			logger.SessionID(id),
			logger.UserID(state.UserID.String()),
			logger.Guest(state.Guest),
		),
		state:    state,
		lastSeen: deps.clock.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the bound identity.
func (s *Session) UserID() shared.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID
}

// IsGuest reports whether the session runs on the local backend only.
func (s *Session) IsGuest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Guest
}

// Backend returns the backend kind chosen at login.
func (s *Session) Backend() progression.BackendKind {
	return s.store.Kind()
}

// LastSeen returns the time of the last user activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Closed reports whether Logout was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CurrentSnapshot returns the optimistic view of the progress.
func (s *Session) CurrentSnapshot() progression.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return progression.BuildSnapshot(s.state, s.rules, s.clock.Now())
}

// DailyTasks returns today's tasks with completion marks.
func (s *Session) DailyTasks() []progression.DailyTaskView {
	return s.CurrentSnapshot().DailyTasks
}

// ─────────────────────────────────────────────────────────────────────────────
// Operations
// ─────────────────────────────────────────────────────────────────────────────

// CompleteTask credits a daily task.
func (s *Session) CompleteTask(ctx context.Context, taskID string, correct bool) (Result, error) {
	return s.Apply(ctx, progression.TaskCompleted{
		EventMeta: progression.NewEventMeta(),
		TaskID:    taskID,
		Correct:   correct,
	})
}

// CompleteLessonOrModule credits a lesson and advances its module.
func (s *Session) CompleteLessonOrModule(ctx context.Context, req LessonRequest) (Result, error) {
	meta := progression.NewEventMeta()
	if req.EventID != "" {
		meta.EventID = req.EventID
	}
	return s.Apply(ctx, progression.LessonCompleted{
		EventMeta:    meta,
		ModuleID:     req.ModuleID,
		LessonID:     req.LessonID,
		Score:        req.Score,
		TimeSpent:    req.TimeSpent,
		Perfect:      req.Perfect,
		Mistakes:     req.Mistakes,
		Questions:    req.Questions,
		AnswerStreak: req.AnswerStreak,
	})
}

// LoseHeart spends one heart. At zero hearts it is a no-op and
// Outcome.Exhausted is set.
func (s *Session) LoseHeart(ctx context.Context) (Result, error) {
	return s.Apply(ctx, progression.HeartLost{EventMeta: progression.NewEventMeta()})
}

// ClaimAchievement grants the reward of a completed achievement.
func (s *Session) ClaimAchievement(ctx context.Context, id string) (Result, error) {
	return s.Apply(ctx, progression.AchievementClaimed{
		EventMeta:     progression.NewEventMeta(),
		AchievementID: progression.AchievementID(id),
	})
}

// Tick regenerates hearts and rolls the day over without user activity.
func (s *Session) Tick(ctx context.Context) (Result, error) {
	return s.apply(ctx, progression.HeartTick{EventMeta: progression.NewEventMeta()}, false)
}

// Apply reduces an event, updates the local view and persists the commit.
//
// An already-applied event returns the current snapshot with Duplicate set
// and resends any commit still waiting for confirmation. A failed durable
// write returns the optimistic snapshot together with a PersistenceError or
// PermissionError; the commit stays queued for the next call.
func (s *Session) Apply(ctx context.Context, ev progression.Event) (Result, error) {
	return s.apply(ctx, ev, true)
}

func (s *Session) apply(ctx context.Context, ev progression.Event, activity bool) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, shared.ErrNotLoggedIn
	}

	now := s.clock.Now()
	tr, err := progression.Reduce(s.state, ev, progression.Env{Now: now, Rules: s.rules})
	if err != nil {
		snap := progression.BuildSnapshot(s.state, s.rules, now)
		through := s.lastSeq
		s.mu.Unlock()
		if !shared.IsAlreadyCompleted(err) {
			return Result{Snapshot: snap}, err
		}
		s.log.Debug("event already applied", logger.EventID(ev.ID()), logger.EventKind(string(ev.Kind())))
		// A retried call resends whatever its first attempt left queued.
		return s.sync(ctx, Result{Snapshot: snap, Duplicate: true}, 0, through, !activity)
	}

	s.state = tr.State
	if activity {
		s.lastSeen = now
	}
	var own uint64
	if !tr.Commit.Patch.IsEmpty() {
		s.lastSeq++
		own = s.lastSeq
		s.outbox = append(s.outbox, pendingCommit{seq: own, commit: tr.Commit})
	}
	through := s.lastSeq
	res := Result{
		Snapshot: progression.BuildSnapshot(s.state, s.rules, now),
		Outcome:  tr.Outcome,
		Changed:  own != 0,
	}
	s.mu.Unlock()

	if tr.Outcome.XP > 0 || tr.Outcome.Gems > 0 {
		s.log.Info("progress credited",
			logger.EventKind(string(ev.Kind())),
			logger.XPAmount(tr.Outcome.XP),
			logger.GemsAmount(tr.Outcome.Gems),
		)
	}
	s.publish(tr.Events)

	return s.sync(ctx, res, own, through, !activity)
}

// sync drains the outbox up to and including seq through and fills the
// persistence fields of res. own is the seq of the caller's commit, zero
// when it queued none. A background caller does not wait for a writer that
// is already draining.
func (s *Session) sync(ctx context.Context, res Result, own, through uint64, background bool) (Result, error) {
	if background {
		if !s.persistMu.TryLock() {
			res.Persisted = !s.pendingThrough(through)
			return res, nil
		}
	} else {
		s.persistMu.Lock()
	}
	defer s.persistMu.Unlock()

	refused, err := s.flush(ctx, through)
	if err != nil {
		res.Warning = "Your progress is saved on this device but could not be saved to your account."
		if shared.IsPermission(err) {
			res.Warning = "Your session is no longer valid. Sign in again to keep saving progress."
		}
		return res, err
	}
	res.Persisted = true

	if len(refused) > 0 {
		for _, seq := range refused {
			if seq == own {
				res.Duplicate = true
			}
		}
		if snap, ok := s.resync(ctx); ok {
			res.Snapshot = snap
		}
	}
	return res, nil
}

// flush writes queued commits in order until the head is newer than
// through. A failed commit stays at the head and is resent without a new
// user notification. A commit rejected for permission is dropped. flush
// returns the seqs the durable backend reported as already applied.
func (s *Session) flush(ctx context.Context, through uint64) (refused []uint64, err error) {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 || s.outbox[0].seq > through {
			s.mu.Unlock()
			return refused, nil
		}
		head := s.outbox[0]
		s.mu.Unlock()

		var applied bool
		if head.failed {
			applied, err = s.store.Resend(ctx, head.commit)
		} else {
			applied, err = s.store.Persist(ctx, head.commit)
		}

		if err != nil {
			s.mu.Lock()
			if shared.IsPermission(err) {
				s.popHead()
			} else {
				s.outbox[0].failed = true
			}
			pending := len(s.outbox)
			s.mu.Unlock()
			s.log.Warn("commit left unconfirmed",
				logger.String("key", head.commit.Key.String()),
				logger.Int("pending", pending),
				logger.Err(err),
			)
			return refused, err
		}

		s.mu.Lock()
		s.popHead()
		s.mu.Unlock()
		if !applied && s.store.Kind() == progression.BackendDurable {
			refused = append(refused, head.seq)
		}
	}
}

// popHead drops the first outbox entry. Caller holds mu.
func (s *Session) popHead() {
	s.outbox = s.outbox[1:]
	if len(s.outbox) == 0 {
		s.outbox = nil
	}
}

func (s *Session) pendingThrough(through uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox) > 0 && s.outbox[0].seq <= through
}

// resync replaces the local view with the durable record once the backend
// has refused a commit as already applied. It keeps the local view while
// newer commits are still queued.
func (s *Session) resync(ctx context.Context) (progression.Snapshot, bool) {
	id := s.UserID()
	p, err := s.store.Load(ctx, id)
	if err != nil {
		s.log.Warn("reload after refused commit failed", logger.Err(err))
		return progression.Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) > 0 || s.closed {
		return progression.Snapshot{}, false
	}
	s.state = p
	s.log.Info("local view reloaded from durable record")
	return progression.BuildSnapshot(s.state, s.rules, s.clock.Now()), true
}

// Pending returns the number of commits waiting for confirmation.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *Session) publish(events []shared.Event) {
	if s.events == nil {
		return
	}
	for _, e := range events {
		if err := s.events.Publish(e); err != nil {
			s.log.Warn("publish domain event", logger.String("type", string(e.EventType())), logger.Err(err))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lesson checkpoints
// ─────────────────────────────────────────────────────────────────────────────

// SaveCheckpoint stores an unfinished lesson on the device.
func (s *Session) SaveCheckpoint(ctx context.Context, lessonID string, data []byte) error {
	if s.checkpoints == nil {
		return shared.NewDomainError("session", "SaveCheckpoint", shared.ErrServiceUnavailable, "checkpoints are disabled")
	}
	if lessonID == "" {
		return shared.Validationf("session", "SaveCheckpoint", "lesson id is required")
	}
	s.touch()
	return s.checkpoints.SaveCheckpoint(ctx, s.UserID(), lessonID, data)
}

// LoadCheckpoint returns a stored lesson checkpoint.
func (s *Session) LoadCheckpoint(ctx context.Context, lessonID string) ([]byte, error) {
	if s.checkpoints == nil {
		return nil, shared.NewDomainError("session", "LoadCheckpoint", shared.ErrServiceUnavailable, "checkpoints are disabled")
	}
	s.touch()
	return s.checkpoints.LoadCheckpoint(ctx, s.UserID(), lessonID)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.clock.Now()
	s.mu.Unlock()
}

// Logout closes the session. Later calls fail with a PermissionError.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.log.Info("session closed")
}
