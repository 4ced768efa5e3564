package resilience

import (
	"context"
	"sync"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/logger"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen 熔断打开时直接返回，不调用被保护的函数
var ErrCircuitOpen = errors.Sentinel(errors.CodeUnavailable, "circuit open")

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// Now 可注入的时钟，测试用
	Now func() time.Time
	// IsFailure 判定错误是否计入失败，默认忽略调用方取消与 Permanent 错误
	IsFailure func(error) bool
	// OnStateChange 状态切换回调，在锁外调用
	OnStateChange func(name string, from, to State)
}

// Snapshot 熔断器当前状态的只读副本
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailure,omitempty"`
}

// Breaker 每个外部依赖一个实例，进程内存态，重启即重置
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{name: name, cfg: cfg}
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	return true
}

func (b *Breaker) Name() string { return b.name }

// Execute 按熔断状态决定是否调用 fn，并根据结果更新状态
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	// fn panic 计为一次失败后继续向上抛，探测标记必须释放
	defer func() {
		if r := recover(); r != nil {
			b.record(probe, errors.Errorf("panic in %s: %v", b.name, r))
			panic(r)
		}
	}()
	err = fn(ctx)
	b.record(probe, err)
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.transitionLocked(StateHalfOpen)
		return true, nil
	default:
		// 半开状态只放行一个探测请求
		if b.probing {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	if probe {
		b.probing = false
	}
	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.transitionLocked(StateClosed)
			return
		}
		b.mu.Unlock()
		return
	}
	if !b.cfg.IsFailure(err) {
		b.mu.Unlock()
		return
	}
	now := b.cfg.Now()
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.failures++
		b.openedAt = now
		b.transitionLocked(StateOpen)
		return
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionLocked(StateOpen)
			return
		}
	}
	b.mu.Unlock()
}

// transitionLocked 切换状态并释放锁，回调在锁外执行
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	failures := b.failures
	b.mu.Unlock()

	if from == to {
		return
	}
	fields := []zap.Field{
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", failures),
	}
	if to == StateOpen {
		logger.Warn("circuit opened", append(fields, zap.Duration("resetTimeout", b.cfg.ResetTimeout))...)
	} else {
		logger.Info("circuit state changed", fields...)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// State 返回当前状态；打开且超时已过时仍报告 open，直到下一次调用触发探测
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failures,
		LastFailure:  b.lastFailure,
	}
}
