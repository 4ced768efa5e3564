package resilience

import (
	"context"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/logger"

	"go.uber.org/zap"
)

// RetryConfig 指数退避参数，总尝试次数 = MaxRetries + 1
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep 可替换的等待函数，必须响应 ctx 取消
	Sleep func(ctx context.Context, d time.Duration) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误，例如 4xx
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff 第 attempt 次失败后的等待时长 base*2^attempt，MaxDelay>0 时封顶
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d <= 0 {
			// 溢出
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Sleep 可被 ctx 打断的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry 执行 fn，失败时按指数退避重试，耗尽后返回最后一次错误
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempt == cfg.MaxRetries {
			break
		}
		delay := Backoff(cfg.BaseDelay, cfg.MaxDelay, attempt)
		logger.Debug("retrying after failure",
			zap.Int("attempt", attempt+1),
			zap.Int("maxRetries", cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// RetryValue Retry 的泛型版本
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
