package notification

import (
	"context"
	"errors"
	"sync"

	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"

	"go.uber.org/zap"
)

// Dispatcher 按设备并发推送，单个设备失败不影响其他设备
type Dispatcher struct {
	provider   Provider
	priorities PriorityMap
	registry   TokenRegistry
	async      Submitter
	metrics    *metrics.Metrics
	// maxInFlight 单次群发的并发上限
	maxInFlight int
}

type Option func(*Dispatcher)

func WithPriorityMap(m PriorityMap) Option {
	return func(d *Dispatcher) { d.priorities = m }
}

// WithTokenRegistry 设置失效令牌清理，async 为空时直接起 goroutine
func WithTokenRegistry(r TokenRegistry, async Submitter) Option {
	return func(d *Dispatcher) {
		d.registry = r
		d.async = async
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxInFlight = n
		}
	}
}

func NewDispatcher(provider Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider:    provider,
		priorities:  DefaultPriorityMap(),
		maxInFlight: 32,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendToDevices 尽力投递，不做持久化
func (d *Dispatcher) SendToDevices(ctx context.Context, targets []Target, msg Message) Report {
	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
		sem    = make(chan struct{}, d.maxInFlight)
	)
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	hints := d.priorities.Hints(msg.Priority)

	for _, t := range targets {
		if t.Token == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("push provider panicked", zap.String("provider", d.provider.Name()), zap.Any("panic", r))
					mu.Lock()
					report.Failed++
					mu.Unlock()
				}
			}()

			err := d.provider.Send(ctx, PushRequest{Token: t.Token, Message: msg, Hints: hints})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Sent++
			case errors.Is(err, ErrInvalidToken):
				report.Failed++
				report.Invalidated++
				d.invalidate(t)
			default:
				report.Failed++
				logger.Warn("push failed",
					zap.String("provider", d.provider.Name()),
					zap.String("token", maskToken(t.Token)),
					zap.Error(err))
			}
		}(t)
	}
	wg.Wait()

	d.metrics.RecordNotification(string(msg.Priority), report.Sent, report.Failed, report.Invalidated)
	logger.Info("push dispatched",
		zap.String("title", msg.Title),
		zap.String("priority", string(msg.Priority)),
		zap.Int("targets", len(targets)),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed))
	return report
}

// invalidate 异步清除失效令牌，不阻塞本次群发
func (d *Dispatcher) invalidate(t Target) {
	if d.registry == nil {
		return
	}
	logger.Warn("clearing invalid device token", zap.String("user", t.UserID), zap.String("token", maskToken(t.Token)))
	job := func(ctx context.Context) error { return d.registry.ClearToken(ctx, t.UserID, t.Token) }
	if d.async != nil {
		if !d.async.Submit("notification.clear_token", job) {
			logger.Warn("token invalidation dropped", zap.String("user", t.UserID))
		}
		return
	}
	go func() {
		if err := job(context.Background()); err != nil {
			logger.Warn("clear token failed", zap.String("user", t.UserID), zap.Error(err))
		}
	}()
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
