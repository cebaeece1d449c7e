package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(Options{Output: &buf, Level: level})
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesJSONEntries(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)

	l.Named("session").Named("store").With(UserID("u1")).Info("commit applied",
		XPAmount(25), Err(errors.New("boom")), Latency(1500*time.Millisecond))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	e := lines[0]

	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "session.store", e["logger"])
	assert.Equal(t, "commit applied", e["msg"])
	assert.Equal(t, "2026-01-02T03:04:05Z", e["ts"])

	fields := e["fields"].(map[string]any)
	assert.Equal(t, "u1", fields["user_id"])
	assert.EqualValues(t, 25, fields["xp_amount"])
	assert.Equal(t, "boom", fields["error"])
	assert.EqualValues(t, 1500, fields["latency_ms"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelWarn)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "w", lines[0]["msg"])
	assert.Equal(t, "e", lines[1]["msg"])
	assert.False(t, l.Enabled(LevelInfo))
}

func TestLogger_WithDoesNotLeakIntoParent(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	_ = l.With(String("child", "yes"))

	l.Info("parent")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "fields")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"loud":    LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "unknown", Level(42).String())
}

func TestContext(t *testing.T) {
	l, _ := newTestLogger(LevelInfo)
	ctx := WithContext(context.Background(), l)

	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestNop(t *testing.T) {
	l := Nop()
	assert.False(t, l.Enabled(LevelError))
	l.Error("discarded")
}
