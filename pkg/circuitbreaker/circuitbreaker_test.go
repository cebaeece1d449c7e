package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(opts ...Option) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("durable", opts...)
	b.now = clock.now
	return b, clock
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []string
	b, _ := newTestBreaker(
		WithFailureThreshold(3),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(WithFailureThreshold(2))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{name: "probe succeeds", probe: succeed, want: StateClosed},
		{name: "probe fails", probe: fail, want: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(WithFailureThreshold(1), WithCooldown(time.Second))
			ctx := context.Background()

			_ = b.Execute(ctx, fail)
			require.Equal(t, StateOpen, b.State())

			clock.advance(time.Second)
			_ = b.Execute(ctx, tt.probe)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(WithFailureThreshold(1), WithCooldown(time.Second))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.advance(2 * time.Second)

	var inner error
	err := b.Execute(ctx, func(ctx context.Context) error {
		assert.Equal(t, StateHalfOpen, b.State())
		inner = b.Execute(ctx, succeed)
		return nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrOpen)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("rejected by validation")
	b, _ := newTestBreaker(
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, ignored) }),
	)

	err := b.Execute(context.Background(), func(context.Context) error { return ignored })
	assert.ErrorIs(t, err, ignored)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(WithFailureThreshold(1))
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "durable", b.Name())
}
