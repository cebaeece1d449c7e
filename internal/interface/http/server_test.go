package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/application/query"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/local"
	"github.com/pulsepoint/pulsepoint-progress/internal/interface/http/health"
	"github.com/pulsepoint/pulsepoint-progress/pkg/retry"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

const testSecret = "0123456789abcdef0123456789abcdef-test"

type memoryDurable struct {
	mu        sync.Mutex
	records   map[shared.UserID]*progression.UserProgress
	keys      map[string]bool
	commitErr error
}

func newMemoryDurable() *memoryDurable {
	return &memoryDurable{
		records: make(map[shared.UserID]*progression.UserProgress),
		keys:    make(map[string]bool),
	}
}

func (m *memoryDurable) Kind() progression.BackendKind { return progression.BackendDurable }

func (m *memoryDurable) Load(_ context.Context, id shared.UserID) (*progression.UserProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, shared.ErrRecordNotFound
	}
	return p.Clone(), nil
}

func (m *memoryDurable) Create(_ context.Context, p *progression.UserProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.UserID] = p.Clone()
	return nil
}

func (m *memoryDurable) Commit(_ context.Context, c progression.Commit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return false, m.commitErr
	}
	if m.keys[c.Key.String()] {
		return false, nil
	}
	m.keys[c.Key.String()] = true
	m.records[c.UserID].Apply(c.Patch, c.At)
	return true, nil
}

func (m *memoryDurable) Close() error { return nil }

func (m *memoryDurable) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

type testEnv struct {
	server  *Server
	durable *memoryDurable
	hub     *Hub
	checker *health.Checker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := progression.NewFixedClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	rules := progression.DefaultRules()
	instant := retry.Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}

	durable := newMemoryDurable()
	durableStore := session.NewStore(durable, session.WithPolicy(instant))
	localStore := session.NewStore(local.NewBackend(nil, log))

	manager := session.NewManager(session.ManagerConfig{
		Rules:     rules,
		Durable:   durableStore,
		Local:     localStore,
		Clock:     clock,
		GuestMode: true,
	})

	env := &testEnv{
		durable: durable,
		hub:     NewHub([]string{"*"}, log),
		checker: health.NewChecker("test"),
	}

	cfg := DefaultConfig()
	cfg.CookieSecret = testSecret
	cfg.APIKeys = []string{"service-key"}

	srv, err := NewServer(cfg, Dependencies{
		Sessions:   manager,
		Progress:   query.NewGetProgressHandler(durableStore, localStore, rules, clock),
		DailyTasks: query.NewGetDailyTasksHandler(rules, clock),
		Hub:        env.hub,
		Health:     env.checker,
		Stats: map[string]func() any{
			"build": func() any { return "test" },
		},
		Logger: log,
	})
	require.NoError(t, err)
	env.server = srv
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type client struct {
	t       *testing.T
	env     *testEnv
	cookies []*http.Cookie
	headers map[string]string
}

func (e *testEnv) client(t *testing.T) *client {
	return &client{t: t, env: e, headers: map[string]string{}}
}

func (c *client) do(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	c.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	c.env.server.Handler().ServeHTTP(rec, req)

	if set := rec.Result().Cookies(); len(set) > 0 {
		c.cookies = set
	}

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json; charset=utf-8") {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (c *client) login(hint string) loginResponse {
	c.t.Helper()
	rec, env := c.do(http.MethodPost, "/api/v1/session", map[string]string{"identity_hint": hint})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp loginResponse
	require.NoError(c.t, json.Unmarshal(env.Data, &resp))
	return resp
}

func (c *client) firstTaskID() string {
	c.t.Helper()
	rec, env := c.do(http.MethodGet, "/api/v1/tasks/daily", nil)
	require.Equal(c.t, http.StatusOK, rec.Code)

	var result query.DailyTasksResult
	require.NoError(c.t, json.Unmarshal(env.Data, &result))
	require.NotEmpty(c.t, result.Tasks)
	return result.Tasks[0].ID
}

func decodeAction(t *testing.T, env envelope) actionResponse {
	t.Helper()
	var resp actionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNewServer_RejectsWeakSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CookieSecret = "short"
	_, err := NewServer(cfg, Dependencies{Sessions: session.NewManager(session.ManagerConfig{})})
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestLogin_GuestGetsCookieAndStartingGems(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	resp := c.login("GuestUser")
	assert.Equal(t, "local", resp.Backend)
	assert.True(t, resp.Snapshot.Guest)
	assert.Equal(t, 50, resp.Snapshot.Gems)
	assert.Equal(t, 5, resp.Snapshot.Hearts)
	require.NotEmpty(t, c.cookies)

	rec, e := c.do(http.MethodGet, "/api/v1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap progression.Snapshot
	require.NoError(t, json.Unmarshal(e.Data, &snap))
	assert.Equal(t, resp.Snapshot.UserID, snap.UserID)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	rec, e := c.do(http.MethodGet, "/api/v1/progress", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_logged_in", e.Error.Code)

	c.cookies = []*http.Cookie{{Name: DefaultConfig().CookieName, Value: "tampered"}}
	rec, _ = c.do(http.MethodPost, "/api/v1/hearts/lose", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteTask(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-1")
	taskID := c.firstTaskID()

	rec, e := c.do(http.MethodPost, "/api/v1/tasks/"+taskID+"/complete", map[string]bool{"correct": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeAction(t, e)
	assert.True(t, first.Persisted)
	assert.Positive(t, first.Outcome.XP)
	assert.Equal(t, first.Outcome.XP, first.Snapshot.XP)

	rec, e = c.do(http.MethodPost, "/api/v1/tasks/"+taskID+"/complete", map[string]bool{"correct": true})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeAction(t, e)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Snapshot.XP, again.Snapshot.XP)

	rec, e = c.do(http.MethodGet, "/api/v1/tasks/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks query.DailyTasksResult
	require.NoError(t, json.Unmarshal(e.Data, &tasks))
	assert.Equal(t, 1, tasks.Completed)
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-2")

	tests := []struct {
		name  string
		path  string
		body  any
		field string
	}{
		{name: "missing correct", path: "/api/v1/tasks/t1/complete", body: map[string]any{}, field: "correct"},
		{name: "unknown task", path: "/api/v1/tasks/no-such-task/complete", body: map[string]bool{"correct": true}},
		{name: "score too high", path: "/api/v1/modules/module-1/lessons/lesson-1/complete", body: map[string]int{"score": 150}, field: "score"},
		{name: "negative time", path: "/api/v1/modules/module-1/lessons/lesson-1/complete", body: map[string]int{"score": 80, "time_spent_seconds": -5}, field: "time_spent_seconds"},
		{name: "unknown field", path: "/api/v1/tasks/t1/complete", body: `{"correct":true,"bonus":99}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = t
			rec, e := c.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.NotNil(t, e.Error)
			if tt.field != "" {
				assert.Contains(t, e.Error.Details, tt.field)
			}
		})
	}
}

func TestCompleteLessonAndClaim(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-3")

	rec, e := c.do(http.MethodPost, "/api/v1/modules/module-1/lessons/lesson-1/complete", map[string]any{
		"score":              96,
		"perfect":            true,
		"time_spent_seconds": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lesson := decodeAction(t, e)
	require.NotNil(t, lesson.Outcome.Reward)
	assert.Contains(t, lesson.Outcome.NewAchievements, progression.AchievementID("first-lesson"))

	rec, e = c.do(http.MethodPost, "/api/v1/achievements/first-lesson/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decodeAction(t, e)
	assert.Greater(t, claim.Snapshot.XP, lesson.Snapshot.XP)

	rec, _ = c.do(http.MethodPost, "/api/v1/achievements/ecg-master/claim", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersistenceFailureAnswersWithWarning(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-4")

	env.durable.failWith(shared.NewDomainError("durable", "Commit", shared.ErrServiceUnavailable, "connection refused"))

	rec, e := c.do(http.MethodPost, "/api/v1/hearts/lose", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAction(t, e)
	assert.False(t, resp.Persisted)
	assert.NotEmpty(t, resp.Warning)
	assert.Equal(t, 4, resp.Snapshot.Hearts)
}

func TestPermissionFailureIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-5")

	env.durable.failWith(shared.NewDomainError("durable", "Commit", shared.ErrPermission, "rls denied"))

	rec, e := c.do(http.MethodPost, "/api/v1/hearts/lose", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "permission_denied", e.Error.Code)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("uid-6")
	assert.Equal(t, 1, env.server.deps.Sessions.Registry().Len())

	rec, _ := c.do(http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.server.deps.Sessions.Registry().Len())

	rec, _ = c.do(http.MethodGet, "/api/v1/progress", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReloginReplacesSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	first := c.login("uid-7")
	second := c.login("uid-7")

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, env.server.deps.Sessions.Registry().Len())
}

func TestUserProgressQuery(t *testing.T) {
	env := newTestEnv(t)
	owner := env.client(t)
	owner.login("uid-8")

	stranger := env.client(t)
	stranger.login("uid-9")

	rec, _ := stranger.do(http.MethodGet, "/api/v1/users/uid-8/progress", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, e := owner.do(http.MethodGet, "/api/v1/users/uid-8/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result query.ProgressResult
	require.NoError(t, json.Unmarshal(e.Data, &result))
	assert.Equal(t, "uid-8", result.Snapshot.UserID)
	assert.Equal(t, "durable", result.Backend)

	service := env.client(t)
	service.headers["X-API-Key"] = "service-key"
	rec, _ = service.do(http.MethodGet, "/api/v1/users/uid-8/progress?include_locked=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = service.do(http.MethodGet, "/api/v1/users/nobody/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.login("GuestUser")

	rec, e := c.do(http.MethodPut, "/api/v1/checkpoints/lesson-1", `{"step":3}`)
	// Without a device store checkpoints are disabled.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service_unavailable", e.Error.Code)
}

func TestDailyTasksByDate(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	rec, e := c.do(http.MethodGet, "/api/v1/tasks/daily?date=2026-03-11", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result query.DailyTasksResult
	require.NoError(t, json.Unmarshal(e.Data, &result))
	assert.Equal(t, "2026-03-11", result.Day.String())

	rec, _ = c.do(http.MethodGet, "/api/v1/tasks/daily?date=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	rec, _ := c.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.checker.AddOptional("redis", func(context.Context) error { return errors.New("down") })
	rec, _ = c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "degraded is still serving")

	env.checker.AddCritical("postgres", func(context.Context) error { return errors.New("down") })
	rec, _ = c.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, e := c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(e.Data), `"build":"test"`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.client(t).do(http.MethodGet, "/api/v2/anything", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", e.Error.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shared.ErrUnknownTask, http.StatusBadRequest},
		{shared.ErrScoreOutOfRange, http.StatusBadRequest},
		{shared.ErrNotLoggedIn, http.StatusUnauthorized},
		{shared.ErrRecordNotFound, http.StatusNotFound},
		{shared.ErrStoreClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
