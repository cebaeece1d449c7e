package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChecker(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name        string
		critical    CheckFunc
		optional    CheckFunc
		wantHealthy bool
		wantReady   bool
	}{
		{name: "all good", critical: ok, optional: ok, wantHealthy: true, wantReady: true},
		{name: "cache down", critical: ok, optional: down, wantHealthy: false, wantReady: true},
		{name: "database down", critical: down, optional: ok, wantHealthy: false, wantReady: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("test")
			c.AddCritical("postgres", tt.critical)
			c.AddOptional("redis", tt.optional)

			status := c.Check(context.Background())
			assert.Equal(t, tt.wantHealthy, status.Healthy)
			assert.Equal(t, tt.wantReady, status.Ready)
			assert.Len(t, status.Checks, 2)
			assert.True(t, status.Checks["postgres"].Critical)
		})
	}
}

func TestChecker_TimeoutFailsCheck(t *testing.T) {
	c := NewChecker("test")
	c.SetTimeout(20 * time.Millisecond)
	c.AddCritical("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "failing: slow", status.Message)
}

func TestChecker_Empty(t *testing.T) {
	status := NewChecker("v1").Check(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "v1", status.Version)
}
