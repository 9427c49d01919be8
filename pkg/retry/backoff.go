package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy is an exponential backoff schedule. Jitter spreads each delay by
// up to +/- Jitter/2 of its value.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	Jitter   float64
}

// Startup is used for dialing the chain node and the databases.
func Startup() Policy {
	return Policy{Attempts: 10, Base: 2 * time.Second, Cap: time.Minute, Factor: 2, Jitter: 0.3}
}

// Delay returns the wait after the given failed attempt, counted from 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < attempt && d < float64(p.Cap); i++ {
		d *= p.Factor
	}
	d = min(d, float64(p.Cap))
	if p.Jitter > 0 {
		d += (rand.Float64() - 0.5) * p.Jitter * d
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, the attempts run out or ctx ends.
func Do(ctx context.Context, p Policy, logger *zap.Logger, op string, fn func() error) error {
	_, err := Value(ctx, p, logger, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s cancelled: %w", op, ctxErr)
		}
		var v T
		if v, err = fn(); err == nil {
			if attempt > 1 {
				logger.Info("Recovered after retries", zap.String("operation", op), zap.Int("attempts", attempt))
			}
			return v, nil
		}
		if attempt == attempts {
			break
		}

		wait := p.Delay(attempt)
		logger.Warn("Retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s cancelled: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
