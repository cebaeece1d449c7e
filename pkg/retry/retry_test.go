package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func noSleep(p Policy) (Policy, *[]time.Duration) {
	var slept []time.Duration
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		mark         func(error) error
		wantAttempts int
		wantErr      bool
	}{
		{name: "first try", failures: 0, mark: Retryable, wantAttempts: 1},
		{name: "recovers", failures: 2, mark: Retryable, wantAttempts: 3},
		{name: "exhausted", failures: 5, mark: Retryable, wantAttempts: 3, wantErr: true},
		{name: "permanent stops", failures: 5, mark: Permanent, wantAttempts: 1, wantErr: true},
		{name: "unmarked stops", failures: 5, mark: func(err error) error { return err }, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := noSleep(DefaultPolicy())
			calls := 0
			out := p.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.mark(errFlaky)
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if tt.wantErr {
				require.Error(t, out.Err)
				assert.Same(t, errFlaky, out.Err, "markers are stripped")
			} else {
				assert.NoError(t, out.Err)
			}
		})
	}
}

func TestPolicy_RetryIfOverridesClassification(t *testing.T) {
	p, slept := noSleep(Policy{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, Multiplier: 2})
	p.RetryIf = func(err error) bool { return errors.Is(err, errFlaky) }

	var retries []int
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	out := p.Do(context.Background(), func(context.Context) error { return errFlaky })

	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *slept)

	// permanent still wins over RetryIf
	out = p.Do(context.Background(), func(context.Context) error { return Permanent(errFlaky) })
	assert.Equal(t, 1, out.Attempts)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3), "capped")
	assert.Equal(t, 100*time.Millisecond, Policy{InitialDelay: 100 * time.Millisecond}.Delay(5), "multiplier below 1 is flat")
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 1, JitterFactor: 0.1}
	for i := 0; i < 200; i++ {
		d := p.jittered(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	out := DefaultPolicy().Do(ctx, func(context.Context) error {
		calls++
		return nil
	})

	assert.Zero(t, calls)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestPolicy_SleepErrorReturnsLastFailure(t *testing.T) {
	p := DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return context.DeadlineExceeded }

	out := p.Do(context.Background(), func(context.Context) error { return Retryable(errFlaky) })

	assert.Equal(t, 1, out.Attempts)
	assert.Same(t, errFlaky, out.Err)
}

func TestDoWithData(t *testing.T) {
	p, _ := noSleep(PersistencePolicy())
	calls := 0

	v, out := DoWithData(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errFlaky)
		}
		return "ok", nil
	})

	assert.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "ok", v)
}

func TestMarkers(t *testing.T) {
	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Permanent(nil))

	wrapped := Retryable(errFlaky)
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, errFlaky)
	assert.Equal(t, 1, NoRetry().MaxAttempts)
}
