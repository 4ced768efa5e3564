package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"

	"go.uber.org/zap"
)

// Config 工作池大小与单任务超时
type Config struct {
	Workers int
	Queue   int
	Timeout time.Duration
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Pool 有界异步任务池，请求路径上的副作用（推送、拦截、分析）都投递到这里
type Pool struct {
	cfg     Config
	queue   chan task
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	inFlight int64
}

func NewPool(cfg Config, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		queue:   make(chan task, cfg.Queue),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit 不阻塞，队列满或已关闭时丢弃并返回 false
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		logger.Warn("task rejected after close", zap.String("task", name))
		p.metrics.RecordTask(name, "dropped")
		return false
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		p.metrics.SetTaskQueueDepth(len(p.queue))
		return true
	default:
		logger.Warn("task queue full, dropping", zap.String("task", name), zap.Int("queue", cap(p.queue)))
		p.metrics.RecordTask(name, "dropped")
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.metrics.SetTaskQueueDepth(len(p.queue))
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	atomic.AddInt64(&p.inFlight, 1)
	defer atomic.AddInt64(&p.inFlight, -1)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := safeCall(ctx, t.fn)
	fields := []zap.Field{zap.String("task", t.name), zap.Duration("elapsed", time.Since(start))}
	switch {
	case err == nil:
		p.metrics.RecordTask(t.name, "ok")
		logger.Debug("task done", fields...)
	case isPanic(err):
		p.metrics.RecordTask(t.name, "panic")
		logger.Error("task panicked", append(fields, zap.Error(err))...)
	default:
		p.metrics.RecordTask(t.name, "failed")
		logger.Warn("task failed", append(fields, zap.Error(err))...)
	}
}

type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.value, e.stack)
}

func isPanic(err error) bool {
	_, ok := err.(*panicError)
	return ok
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Pending 排队中加执行中的任务数
func (p *Pool) Pending() int {
	return len(p.queue) + int(atomic.LoadInt64(&p.inFlight))
}

// Close 停止接收新任务并等待队列排空；ctx 到期后取消执行中的任务
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
