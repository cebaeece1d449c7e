package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

func TestHub_PushesToTheRightUser(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpClient := &http.Client{Jar: jar}

	resp, err := httpClient.Post(ts.URL+"/api/v1/session", "application/json", strings.NewReader(`{"identity_hint":"uid-ws"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	user := shared.UserID("uid-ws")
	require.Eventually(t, func() bool { return env.hub.Connections(user) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.hub.Deliver(ctx, progression.Notification{UserID: "someone-else", Title: "not yours"}))
	require.NoError(t, env.hub.Deliver(ctx, progression.Notification{
		UserID: user,
		Kind:   "rank.changed",
		Level:  progression.LevelSuccess,
		Title:  "New rank",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "New rank", msg.Notification.Title)
	assert.Equal(t, user, msg.Notification.UserID)

	env.hub.Close()
	assert.ErrorIs(t, env.hub.Deliver(ctx, progression.Notification{UserID: user}), ErrHubClosed)
	assert.Zero(t, env.hub.Connections(user))
}

func TestHub_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_NoConnectionsIsNotAnError(t *testing.T) {
	hub := NewHub(nil, nil)
	assert.Equal(t, "websocket", hub.Name())
	assert.NoError(t, hub.Deliver(context.Background(), progression.Notification{UserID: "u1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Deliver(ctx, progression.Notification{UserID: "u1"}), context.Canceled)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.pulsepoint.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://app.pulsepoint.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
