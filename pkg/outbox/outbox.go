// Package outbox 客户端本地持久化队列：发送失败的安全事件先落盘，之后按入队顺序重发。
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"
	"Mamori/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Event 待入队的安全事件
type Event struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Latitude  *float64        `json:"latitude,omitempty"`
	Longitude *float64        `json:"longitude,omitempty"`
}

// Entry 队列中的一条记录
type Entry struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Latitude   *float64        `json:"latitude,omitempty"`
	Longitude  *float64        `json:"longitude,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	Seq        uint64          `json:"-"`
}

// Store 持久化存储。Append 负责分配递增的 Seq，List 按 Seq 升序返回
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context) ([]Entry, error)
	UpdateRetry(ctx context.Context, id string, retryCount int) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Sender 把一条记录发送到后端
type Sender interface {
	Send(ctx context.Context, e Entry) error
}

// SenderFunc 函数形式的 Sender
type SenderFunc func(ctx context.Context, e Entry) error

func (f SenderFunc) Send(ctx context.Context, e Entry) error { return f(ctx, e) }

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep 可替换的等待函数，测试时注入
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result 一次 Flush 的统计
type Result struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

type Outbox struct {
	store   Store
	sender  Sender
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	flushMu sync.Mutex

	// inflight Deliver 正在直接发送的条目，Flush 跳过
	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Outbox)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

func New(store Store, sender Sender, cfg Config, opts ...Option) *Outbox {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = resilience.Sleep
	}
	o := &Outbox{store: store, sender: sender, cfg: cfg, now: time.Now, inflight: make(map[string]struct{})}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue 追加并立即持久化
func (o *Outbox) Enqueue(ctx context.Context, ev Event) (Entry, error) {
	return o.enqueue(ctx, ev, false)
}

// enqueue claim 为 true 时，持久化与标记 inflight 在同一把锁内完成，
// 并发的 Flush 只要能列出该条目就一定能看到标记
func (o *Outbox) enqueue(ctx context.Context, ev Event, claim bool) (Entry, error) {
	if ev.Type == "" {
		return Entry{}, errors.Validation("event type is required")
	}
	e := Entry{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Severity:  ev.Severity,
		Payload:   ev.Payload,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		CreatedAt: o.now().UTC(),
	}
	if claim {
		o.mu.Lock()
		defer o.mu.Unlock()
	}
	if err := o.store.Append(ctx, &e); err != nil {
		return Entry{}, errors.Wrap(err, "outbox append")
	}
	if claim {
		o.inflight[e.ID] = struct{}{}
	}
	logger.Debug("outbox enqueued", zap.String("id", e.ID), zap.String("type", e.Type))
	return e, nil
}

// Deliver 先尝试直接发送，失败时入队等待下次 Flush
func (o *Outbox) Deliver(ctx context.Context, ev Event) (sent bool, entry Entry, err error) {
	entry, err = o.enqueue(ctx, ev, true)
	if err != nil {
		return false, Entry{}, err
	}
	defer o.release(entry.ID)
	if sendErr := o.sender.Send(ctx, entry); sendErr != nil {
		logger.Warn("outbox immediate send failed, queued", zap.String("id", entry.ID), zap.Error(sendErr))
		return false, entry, nil
	}
	if err := o.store.Delete(ctx, entry.ID); err != nil {
		return true, entry, errors.Wrap(err, "outbox delete")
	}
	return true, entry, nil
}

// Flush 按入队顺序重发所有记录。每条记录的结果在处理下一条之前落盘；
// ctx 取消时立即返回，未处理的记录保持原样
func (o *Outbox) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Outbox) isInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

func (o *Outbox) Flush(ctx context.Context) (Result, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	var res Result
	entries, err := o.store.List(ctx)
	if err != nil {
		return res, errors.Wrap(err, "outbox list")
	}
	defer func() { o.metrics.RecordOutbox(res.Sent, res.Failed, res.Dropped) }()

	for _, e := range entries {
		if o.isInflight(e.ID) {
			continue
		}
		if e.RetryCount > 0 {
			delay := resilience.Backoff(o.cfg.BaseDelay, o.cfg.MaxDelay, e.RetryCount)
			if err := o.cfg.Sleep(ctx, delay); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sendErr := o.sender.Send(ctx, e)
		switch {
		case sendErr == nil:
			if err := o.store.Delete(ctx, e.ID); err != nil {
				return res, errors.Wrap(err, "outbox delete")
			}
			res.Sent++
		case e.RetryCount >= o.cfg.MaxRetries:
			if err := o.store.Delete(ctx, e.ID); err != nil {
				return res, errors.Wrap(err, "outbox delete")
			}
			res.Dropped++
			logger.Warn("outbox entry dropped",
				zap.String("id", e.ID), zap.String("type", e.Type),
				zap.Int("retries", e.RetryCount), zap.Error(sendErr))
		default:
			if err := o.store.UpdateRetry(ctx, e.ID, e.RetryCount+1); err != nil {
				return res, errors.Wrap(err, "outbox update")
			}
			res.Failed++
			logger.Debug("outbox entry failed", zap.String("id", e.ID), zap.Int("retry", e.RetryCount+1), zap.Error(sendErr))
		}
	}
	if len(entries) > 0 {
		logger.Info("outbox flushed", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("dropped", res.Dropped))
	}
	return res, nil
}

// Clear 清空队列（退出登录时调用）
func (o *Outbox) Clear(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()
	return o.store.Clear(ctx)
}

// Pending 当前队列内容
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.store.List(ctx)
}
