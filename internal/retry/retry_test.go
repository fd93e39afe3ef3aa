package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBusy  = errors.New("busy")
	errFatal = errors.New("fatal")
)

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func fast(retries int) Options {
	return Options{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name     string
		failures []error
		retries  int
		check    func(t *testing.T, err error, calls int)
	}{
		{
			name: "first attempt succeeds",
			check: func(t *testing.T, err error, calls int) {
				assert.NoError(t, err)
				assert.Equal(t, 1, calls)
			},
		},
		{
			name:     "transient failures are retried",
			failures: []error{errBusy, errBusy},
			retries:  3,
			check: func(t *testing.T, err error, calls int) {
				assert.NoError(t, err)
				assert.Equal(t, 3, calls)
			},
		},
		{
			name:     "permanent failure is returned at once",
			failures: []error{errFatal},
			retries:  3,
			check: func(t *testing.T, err error, calls int) {
				assert.ErrorIs(t, err, errFatal)
				assert.Equal(t, 1, calls)
			},
		},
		{
			name:     "retries are bounded",
			failures: []error{errBusy, errBusy, errBusy, errBusy, errBusy},
			retries:  2,
			check: func(t *testing.T, err error, calls int) {
				assert.Equal(t, 3, calls)
				assert.ErrorIs(t, err, ErrExhausted)
				assert.ErrorIs(t, err, errBusy)
				var ex *ExhaustedError
				require.ErrorAs(t, err, &ex)
				assert.Equal(t, 3, ex.Attempts)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(tt.retries), isBusy, func(_ context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			tt.check(t, err, calls)
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Options{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, isBusy,
		func(context.Context, int) error {
			calls++
			cancel()
			return errBusy
		})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBusy)
}

func TestDoCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fast(3), isBusy, func(context.Context, int) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	r := New(context.Background(), Options{
		MaxRetries:     10,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.1,
	})
	for n := 1; n <= 10; n++ {
		d := r.Backoff(n)
		assert.LessOrEqual(t, d, 44*time.Millisecond, "retry %d", n)
		assert.Positive(t, d)
	}
	assert.InDelta(t, float64(20*time.Millisecond), float64(r.Backoff(2)), float64(2*time.Millisecond))
}
