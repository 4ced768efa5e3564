// Package sse 为无法保持 websocket 的客户端提供按主题推送的 Server-Sent Events 通道
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Guard 订阅鉴权，与 websocket.JoinGuard 同签名
type Guard interface {
	CanJoin(ctx context.Context, userID, topic string) error
}

type client struct {
	id     string
	userID string
	topics []string
	ch     chan []byte
}

// Hub 维护 topic -> 客户端集合，Publish 不阻塞，写满的客户端丢弃该条消息
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	topics   map[string]map[string]*client
	guard    Guard
	interval time.Duration
	retryMs  int
	buffer   int
	seq      atomic.Uint64
	dropped  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Hub)

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(guard Guard, opts ...Option) *Hub {
	h := &Hub{
		clients:  make(map[string]*client),
		topics:   make(map[string]map[string]*client),
		guard:    guard,
		interval: 30 * time.Second,
		retryMs:  5000,
		buffer:   64,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe 逐个主题鉴权，全部通过才注册
func (h *Hub) Subscribe(ctx context.Context, id, userID string, topics []string) (<-chan []byte, error) {
	if len(topics) == 0 {
		return nil, errors.Validation("at least one topic is required")
	}
	select {
	case <-h.done:
		return nil, errClosed
	default:
	}
	if h.guard != nil {
		for _, t := range topics {
			if err := h.guard.CanJoin(ctx, userID, t); err != nil {
				return nil, err
			}
		}
	}
	c := &client{id: id, userID: userID, topics: topics, ch: make(chan []byte, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[id] = c
	for _, t := range topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[string]*client)
		}
		h.topics[t][id] = c
	}
	return c.ch, nil
}

var errClosed = errors.Sentinel(errors.CodeUnavailable, "stream closed")

// Close 结束所有进行中的 Serve，之后的订阅返回 503；可重复调用
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	for _, t := range c.topics {
		delete(h.topics[t], id)
		if len(h.topics[t]) == 0 {
			delete(h.topics, t)
		}
	}
	delete(h.clients, id)
}

// Publish 实现 realtime.Hub；没有订阅者时返回 true
func (h *Hub) Publish(topic, event string, data interface{}) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Warn("sse marshal failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	frame := formatEvent(h.seq.Add(1), event, topic, payload)

	ok := true
	h.mu.RLock()
	for _, c := range h.topics[topic] {
		select {
		case c.ch <- frame:
		default:
			ok = false
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
	return ok
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

type envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func formatEvent(id uint64, event, topic string, payload []byte) []byte {
	body, _ := json.Marshal(envelope{Topic: topic, Data: payload})
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, event, body))
}

// Serve 处理 GET ?topic=a&topic=b，用户 ID 由认证中间件写入
func (h *Hub) Serve(c *gin.Context, userID string) {
	if userID == "" {
		response.Error(c, errors.WithCode(errors.CodeUnauthenticated, "authentication required"))
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, errors.Sentinel(errors.CodeInternal, "streaming unsupported"))
		return
	}

	id := fmt.Sprintf("%s-%d", userID, h.seq.Add(1))
	ch, err := h.Subscribe(c.Request.Context(), id, userID, c.QueryArray("topic"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer h.Unsubscribe(id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)
	flusher.Flush()

	ping := time.NewTicker(h.interval)
	defer ping.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-h.done:
			return
		case <-ping.C:
			fmt.Fprint(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case frame := <-ch:
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
