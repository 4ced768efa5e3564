package analysis

import (
	"context"

	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"
	"Mamori/pkg/resilience"

	"go.uber.org/zap"
)

// Guarded 通过熔断+重试调用内部 Analyzer，失败时返回中性结果而不是错误
type Guarded struct {
	inner   Analyzer
	guard   *resilience.Guard
	metrics *metrics.Metrics
}

func NewGuarded(inner Analyzer, guard *resilience.Guard, m *metrics.Metrics) *Guarded {
	return &Guarded{inner: inner, guard: guard, metrics: m}
}

func (g *Guarded) Analyze(ctx context.Context, req Request) (*Result, error) {
	result := resilience.WithFallback(ctx, g.guard,
		func(ctx context.Context) (*Result, error) { return g.inner.Analyze(ctx, req) },
		func(err error) *Result {
			logger.Warn("analysis degraded to neutral result",
				zap.String("kind", string(req.Kind)),
				zap.String("breaker", g.guard.Breaker().Name()),
				zap.Error(err))
			return NeutralResult()
		})
	if result.Fallback {
		g.metrics.RecordAnalysis(string(req.Kind), "fallback")
	} else {
		g.metrics.RecordAnalysis(string(req.Kind), "ok")
	}
	return result, nil
}

// Breaker 暴露熔断器快照，用于健康检查
func (g *Guarded) Breaker() *resilience.Breaker { return g.guard.Breaker() }

// Disabled 未配置评分服务时使用，始终返回中性结果
type Disabled struct{}

func (Disabled) Analyze(ctx context.Context, req Request) (*Result, error) {
	return NeutralResult(), nil
}
