// Package retry executes fallible operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
)

// Policy configures retries. Zero values are given defaults:
//   - MaxAttempts: 5
//   - BaseDelay:   500ms
//   - MaxDelay:    30s
//   - Factor:      2
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Delay returns the wait before retry i (0-based): min(base * factor^i, max).
func (p Policy) Delay(i int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(i))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	logger *zap.Logger

	// sleep is injectable to make tests fast and deterministic.
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Retrier)

func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		r.logger = l
	}
}

// WithSleep replaces the delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy: policy.withDefaults(),
		logger: zap.NewNop(),
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// Run executes op until it succeeds, fails with a non retryable error or
// the policy's attempts are exhausted. name identifies the operation in logs.
func (r *Retrier) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	var lastDelay time.Duration

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(name, err, lastErr)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return cancelled(name, ctx.Err(), lastErr)
		}
		if !internal.IsRetryable(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt - 1)
		lastDelay = delay
		r.logger.Warn("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return cancelled(name, err, lastErr)
		}
	}

	r.logger.Error("retries exhausted",
		zap.String("operation", name),
		zap.Int("attempt", r.policy.MaxAttempts),
		zap.Duration("delay", lastDelay),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%s: giving up after %d attempts: %w", name, r.policy.MaxAttempts, lastErr)
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Run(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func cancelled(name string, ctxErr, lastErr error) error {
	err := ctxErr
	if lastErr != nil {
		err = fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
	}
	return internal.NewError(internal.KindCancellation, name, err)
}

// sleepWithContext waits for d but aborts early if ctx is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
