package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turbolytics/tabulator/internal"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func transient() error {
	return internal.NewError(internal.KindTransient, "fetch", errors.New("503 service unavailable"))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(1000))
}

func TestRunSucceedsAfterFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Factor: 2}

	for f := 0; f < policy.MaxAttempts; f++ {
		s := &recordingSleeper{}
		r := New(policy, WithSleep(s.sleep))

		calls := 0
		v, err := Do(context.Background(), r, "op", func(ctx context.Context) (string, error) {
			calls++
			if calls <= f {
				return "", transient()
			}
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, f+1, calls)
		require.Len(t, s.delays, f)
		for i, d := range s.delays {
			assert.Equal(t, policy.Delay(i), d)
		}
	}
}

func TestRunExhausted(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := &recordingSleeper{}
	r := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Factor: 3},
		WithSleep(s.sleep), WithLogger(zap.New(core)))

	calls := 0
	err := r.Run(context.Background(), "page", func(ctx context.Context) error {
		calls++
		return transient()
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Millisecond}, s.delays)
	assert.Equal(t, internal.KindTransient, internal.KindOf(err))
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	warn := logs.FilterLevelExact(zapcore.WarnLevel).All()[0].ContextMap()
	assert.EqualValues(t, 1, warn["attempt"])
	assert.Equal(t, time.Millisecond, warn["delay"])
}

func TestRunFatalNotRetried(t *testing.T) {
	s := &recordingSleeper{}
	r := New(Policy{MaxAttempts: 5}, WithSleep(s.sleep))

	calls := 0
	fatal := internal.NewError(internal.KindUpstream, "fetch", errors.New("invalid statsDataId"))
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.delays)
}

func TestRunCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Policy{MaxAttempts: 5}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := r.Run(ctx, "op", func(ctx context.Context) error {
		calls++
		return transient()
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, internal.KindCancellation, internal.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := New(Policy{}).Run(ctx, "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.Equal(t, 0, calls)
	assert.Equal(t, internal.KindCancellation, internal.KindOf(err))
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepWithContext(context.Background(), time.Microsecond))
}
