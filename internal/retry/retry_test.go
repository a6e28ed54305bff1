package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/clock"
)

var errFlaky = errors.New("flaky")

func TestValue_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retries []int
	p := Policy{
		MaxAttempts: 5,
		OnRetry:     func(attempt int, err error, _ time.Duration) { retries = append(retries, attempt) },
	}

	v, err := Value(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestValue_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errFlaky)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)
}

func TestValue_FatalReturnsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		IsTransient: func(err error) bool { return !errors.Is(err, fatal) },
	}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, fatal, err)
	assert.False(t, IsExhausted(err))
}

func TestValue_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsExhausted(err))
}

func TestValue_BackoffUsesClock(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	p := Policy{
		MaxAttempts: 2,
		Backoff:     Exponential(time.Second, time.Minute),
		Clock:       fake,
	}

	done := make(chan error, 1)
	calls := 0
	go func() {
		done <- Do(context.Background(), p, func(context.Context) error {
			calls++
			if calls == 1 {
				return errFlaky
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after backoff")
	}
}

func TestValue_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		Backoff:     Exponential(time.Hour, time.Hour),
		Clock:       clock.Fake(time.Unix(0, 0)),
		OnRetry:     func(int, error, time.Duration) { cancel() },
	}
	err := Do(ctx, p, func(context.Context) error { return errFlaky })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponential(t *testing.T) {
	b := Exponential(100*time.Millisecond, time.Second)
	assert.Equal(t, time.Duration(0), b(0))
	assert.Equal(t, 100*time.Millisecond, b(1))
	assert.Equal(t, 200*time.Millisecond, b(2))
	assert.Equal(t, 800*time.Millisecond, b(4))
	assert.Equal(t, time.Second, b(5))
	assert.Equal(t, time.Second, b(30))
}
