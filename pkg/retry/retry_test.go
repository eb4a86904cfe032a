package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var errFlaky = errors.New("flaky")

func fast(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestDo_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	var retried []int
	r := New(fast(3), WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errFlaky)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ReturnsUnmarkedErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := New(fast(2)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errFlaky)
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, errFlaky, err)
}

func TestDo_StopsOnPermanentAndPlainErrors(t *testing.T) {
	calls := 0
	err := New(fast(3)).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, errFlaky, err)

	calls = 0
	err = New(fast(3)).Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls, "unmarked errors are not retried by default")
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_RetryIf(t *testing.T) {
	calls := 0
	_ = New(fast(4), WithRetryIf(func(err error) bool { return errors.Is(err, errFlaky) })).
		Do(context.Background(), func(context.Context) error {
			calls++
			return errFlaky
		})
	assert.Equal(t, 4, calls)
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := New(fast(3)).Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), New(fast(3)), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errFlaky)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestClassify(t *testing.T) {
	transient := func(err error) bool { return errors.Is(err, errFlaky) }
	errOpen := errors.New("breaker open")

	assert.NoError(t, Classify(nil, transient))

	malformed := fmt.Errorf("scan: %w", shared.ErrMalformedSession.Detail("bad row"))
	assert.True(t, IsPermanent(Classify(malformed, transient)), "domain errors are final")
	assert.True(t, IsPermanent(Classify(fmt.Errorf("list: %w", errOpen), transient, errOpen)))
	assert.True(t, IsRetryable(Classify(fmt.Errorf("read: %w", errFlaky), transient)))

	plain := errors.New("syntax error")
	got := Classify(plain, transient)
	assert.Same(t, plain, got)
	assert.False(t, IsRetryable(got))
	assert.False(t, IsPermanent(got))
	assert.False(t, IsRetryable(Classify(errFlaky, nil)))
}

func TestBackoff_DelayDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 25*time.Millisecond, b.Delay(3))
	assert.Equal(t, 25*time.Millisecond, b.Delay(40))

	jittered := SessionSource.Delay(1)
	assert.InDelta(t, float64(SessionSource.Initial), float64(jittered), float64(SessionSource.Initial)*SessionSource.Jitter)
}

func TestWith_LeavesTheOriginalAlone(t *testing.T) {
	calls := 0
	base := New(fast(3))
	derived := base.With(WithOnRetry(func(int, error, time.Duration) { calls++ }))

	_ = base.Do(context.Background(), func(context.Context) error { return Retryable(errFlaky) })
	assert.Zero(t, calls)
	_ = derived.Do(context.Background(), func(context.Context) error { return Retryable(errFlaky) })
	assert.Equal(t, 2, calls)
}
