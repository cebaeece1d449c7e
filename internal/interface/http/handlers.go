package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/pulsepoint/pulsepoint-progress/internal/application/query"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUESTS & RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

var validate = validator.New(validator.WithRequiredStructEnabled())

type completeTaskRequest struct {
	Correct *bool `json:"correct" validate:"required"`
}

type completeLessonRequest struct {
	// EventID makes client retries idempotent.
	EventID          string `json:"event_id" validate:"omitempty,max=64"`
	Score            *int   `json:"score" validate:"required,min=0,max=100"`
	TimeSpentSeconds int    `json:"time_spent_seconds" validate:"min=0"`
	Perfect          bool   `json:"perfect"`
	Mistakes         int    `json:"mistakes" validate:"min=0"`
	Questions        int    `json:"questions" validate:"min=0"`
	AnswerStreak     int    `json:"answer_streak" validate:"min=0"`
}

type loginResponse struct {
	SessionID string               `json:"session_id"`
	Backend   string               `json:"backend"`
	Snapshot  progression.Snapshot `json:"snapshot"`
}

// outcomeView is the wire form of progression.Outcome.
type outcomeView struct {
	XP                int                         `json:"xp"`
	Gems              int                         `json:"gems"`
	HeartsDelta       int                         `json:"hearts_delta"`
	Reward            *progression.Reward         `json:"reward,omitempty"`
	Practice          bool                        `json:"practice,omitempty"`
	DailySetCompleted bool                        `json:"daily_set_completed,omitempty"`
	Exhausted         bool                        `json:"exhausted,omitempty"`
	StreakBroken      bool                        `json:"streak_broken,omitempty"`
	RankChanged       bool                        `json:"rank_changed,omitempty"`
	UnlockedModules   []string                    `json:"unlocked_modules,omitempty"`
	NewAchievements   []progression.AchievementID `json:"new_achievements,omitempty"`
}

type actionResponse struct {
	Snapshot  progression.Snapshot `json:"snapshot"`
	Outcome   outcomeView          `json:"outcome"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Persisted bool                 `json:"persisted"`
	Warning   string               `json:"warning,omitempty"`
}

func newActionResponse(res session.Result) actionResponse {
	o := res.Outcome
	return actionResponse{
		Snapshot: res.Snapshot,
		Outcome: outcomeView{
			XP:                o.XP,
			Gems:              o.Gems,
			HeartsDelta:       o.HeartsDelta,
			Reward:            o.Reward,
			Practice:          o.Practice,
			DailySetCompleted: o.DailySetCompleted,
			Exhausted:         o.Exhausted,
			StreakBroken:      o.StreakBroken,
			RankChanged:       o.RankChanged,
			UnlockedModules:   o.UnlockedModules,
			NewAchievements:   o.NewAchievements,
		},
		Duplicate: res.Duplicate,
		Persisted: res.Persisted,
		Warning:   res.Warning,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "PulsePoint progression API",
		"version": "v1",
		"endpoints": map[string]string{
			"session":     "/api/v1/session",
			"progress":    "/api/v1/progress",
			"daily_tasks": "/api/v1/tasks/daily",
			"push":        "/ws",
			"health":      "/health",
		},
	})
}

// handleHealth reports every check; it answers 200 while the service can
// serve requests, even degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"healthy": true,
			"uptime":  s.Uptime().String(),
		})
		return
	}
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// handleReady is the readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.deps.Health != nil {
		ready = s.deps.Health.Check(r.Context()).Ready
	}
	if !ready {
		writeJSONError(w, r, http.StatusServiceUnavailable, "not_ready", "a critical dependency is down")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"ready":    true,
		"sessions": s.deps.Sessions.Registry().Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(s.deps.Stats)+1)
	for name, fn := range s.deps.Stats {
		out[name] = fn()
	}
	out["sessions"] = map[string]int{"active": s.deps.Sessions.Registry().Len()}
	writeJSON(w, r, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// withSession resolves the cookie to a live Session.
func (s *Server) withSession(fn func(http.ResponseWriter, *http.Request, *session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.currentSession(r)
		if !ok {
			if s.cookies.SessionID(r) != "" {
				_ = s.cookies.Clear(w, r)
			}
			writeJSONError(w, r, http.StatusUnauthorized, "not_logged_in", "log in to continue")
			return
		}
		fn(w, r, sess)
	}
}

func (s *Server) currentSession(r *http.Request) (*session.Session, bool) {
	id := s.cookies.SessionID(r)
	if id == "" {
		return nil, false
	}
	sess, err := s.deps.Sessions.Registry().Get(id)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// handleLogin binds an identity to a new session. A session already bound
// to the cookie is logged out first.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req session.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	if old, ok := s.currentSession(r); ok {
		_ = s.deps.Sessions.Logout(old.ID())
	}

	sess, err := s.deps.Sessions.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cookies.Bind(w, r, sess.ID()); err != nil {
		_ = s.deps.Sessions.Logout(sess.ID())
		s.logger.Error("session cookie not written", "error", err)
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "could not start the session")
		return
	}

	writeJSON(w, r, http.StatusCreated, loginResponse{
		SessionID: sess.ID(),
		Backend:   sess.Backend().String(),
		Snapshot:  sess.CurrentSnapshot(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.currentSession(r); ok {
		_ = s.deps.Sessions.Logout(sess.ID())
	}
	_ = s.cookies.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, r, http.StatusOK, sess.CurrentSnapshot())
}

// handleDailyTasks serves the set of a day. Without ?date it is today's set,
// marked with the caller's completions when a session is bound.
func (s *Server) handleDailyTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.DailyTasks == nil {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "daily tasks are not served here")
		return
	}

	var q query.GetDailyTasksQuery
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "validation_error", "date must be YYYY-MM-DD")
			return
		}
		q.Date = date
	} else if sess, ok := s.currentSession(r); ok {
		q.Completed = make(map[string]bool)
		for _, t := range sess.DailyTasks() {
			if t.Completed {
				q.Completed[t.ID] = true
			}
		}
	}

	result, err := s.deps.DailyTasks.Handle(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req completeTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := sess.CompleteTask(r.Context(), mux.Vars(r)["taskID"], *req.Correct)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleCompleteLesson(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req completeLessonRequest
	if !s.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	res, err := sess.CompleteLessonOrModule(r.Context(), session.LessonRequest{
		EventID:      req.EventID,
		ModuleID:     vars["moduleID"],
		LessonID:     vars["lessonID"],
		Score:        *req.Score,
		TimeSpent:    time.Duration(req.TimeSpentSeconds) * time.Second,
		Perfect:      req.Perfect,
		Mistakes:     req.Mistakes,
		Questions:    req.Questions,
		AnswerStreak: req.AnswerStreak,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleLoseHeart(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := sess.LoseHeart(r.Context())
	s.writeResult(w, r, res, err)
}

func (s *Server) handleClaimAchievement(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := sess.ClaimAchievement(r.Context(), mux.Vars(r)["achievementID"])
	s.writeResult(w, r, res, err)
}

// handleUserProgress is the read-side query. Service callers use an API
// key; a browser may only read its own record.
func (s *Server) handleUserProgress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	if !s.hasValidAPIKey(r) {
		sess, ok := s.currentSession(r)
		if !ok || sess.UserID().String() != userID {
			writeJSONError(w, r, http.StatusUnauthorized, "permission_denied", "not allowed to read this record")
			return
		}
	}
	if s.deps.Progress == nil {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "progress queries are not served here")
		return
	}

	includeLocked, _ := strconv.ParseBool(r.URL.Query().Get("include_locked"))
	result, err := s.deps.Progress.Handle(r.Context(), query.GetProgressQuery{
		UserID:        userID,
		IncludeLocked: includeLocked,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handlePutCheckpoint(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "checkpoint is too large")
		return
	}
	if len(body) == 0 {
		writeJSONError(w, r, http.StatusBadRequest, "validation_error", "checkpoint body is empty")
		return
	}
	if err := sess.SaveCheckpoint(r.Context(), mux.Vars(r)["lessonID"], body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetCheckpoint returns the stored bytes as they were saved.
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	data, err := sess.LoadCheckpoint(r.Context(), mux.Vars(r)["lessonID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contentType := "application/octet-stream"
	if json.Valid(data) {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ══════════════════════════════════════════════════════════════════════════════
// PUSH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	// On a failed upgrade the upgrader has already answered the request.
	if err := s.deps.Hub.Serve(w, r, sess.UserID()); err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DECODING & ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[jsonFieldName(fe.Field())] = fe.Tag()
			}
			writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "request is invalid", fields)
			return false
		}
		writeJSONError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

// jsonFieldName turns a Go field name into the snake_case key clients send.
func jsonFieldName(field string) string {
	var b strings.Builder
	for i, c := range field {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}

// writeResult answers a mutating call. A persistence failure still answers
// 200: the reward is in the local view and the snapshot says so.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res session.Result, err error) {
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, newActionResponse(res))
	case shared.IsPersistence(err):
		s.logger.Warn("progress not persisted", "error", err, "request_id", getRequestID(r.Context()))
		writeJSON(w, r, http.StatusOK, newActionResponse(res))
	case shared.IsPermission(err):
		msg := res.Warning
		if msg == "" {
			msg = errorMessage(err)
		}
		writeJSONError(w, r, http.StatusUnauthorized, "permission_denied", msg)
	default:
		s.writeError(w, r, err)
	}
}

// writeError maps the error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", getRequestID(r.Context()))
	}
	writeJSONError(w, r, status, code, errorMessage(err))
}

func statusFor(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsPermission(err):
		return http.StatusUnauthorized, "permission_denied"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrStateTransition):
		return http.StatusConflict, "conflict"
	case shared.IsPersistence(err), shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorMessage exposes domain messages only; anything else stays generic.
func errorMessage(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return "an unexpected error occurred"
}
