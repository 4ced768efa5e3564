package resilience

import (
	"context"
	"time"
)

// DefaultAttemptTimeout 单次尝试超时，需短于调用方自身的 SLA
const DefaultAttemptTimeout = 3 * time.Second

// Guard 熔断器包裹整段重试：一次受保护调用无论重试几次，熔断器只记一次结果
type Guard struct {
	breaker        *Breaker
	retry          RetryConfig
	attemptTimeout time.Duration
}

func NewGuard(breaker *Breaker, retry RetryConfig, attemptTimeout time.Duration) *Guard {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	return &Guard{breaker: breaker, retry: retry, attemptTimeout: attemptTimeout}
}

func (g *Guard) Breaker() *Breaker { return g.breaker }

func (g *Guard) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return Retry(ctx, g.retry, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
			defer cancel()
			return fn(actx)
		})
	})
}

// Do 带返回值的受保护调用
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// WithFallback 任何失败（含熔断打开）都返回 fallback 的结果
func WithFallback[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error), fallback func(err error) T) T {
	v, err := Do(ctx, g, fn)
	if err != nil {
		return fallback(err)
	}
	return v
}
