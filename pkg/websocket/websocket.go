package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"Mamori/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Event     string      `json:"event,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// JoinGuard 决定某个用户能否订阅某个主题
type JoinGuard interface {
	CanJoin(ctx context.Context, userID, topic string) error
}

// JoinGuardFunc 函数形式的 JoinGuard
type JoinGuardFunc func(ctx context.Context, userID, topic string) error

func (f JoinGuardFunc) CanJoin(ctx context.Context, userID, topic string) error {
	return f(ctx, userID, topic)
}

var errConnectionLimit = errors.New(ErrConnectionLimitExceeded)

// Hub 管理所有WebSocket连接与主题订阅
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接ID的映射
	userConnections map[string]map[string]bool
	// 主题到连接ID的映射
	topicConnections map[string]map[string]bool
	// 连接计数
	connectionCount int64
	// 丢弃的消息数
	dropped int64
	// 配置
	config *Config
	mu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 每个worker一个队列，主题按哈希固定到worker，保证同一主题内的顺序
	publishJobs []chan publishJob

	guard   JoinGuard
	metrics *metrics.Metrics
}

type publishJob struct {
	topic string
	data  []byte
}

// HubOption Hub 选项
type HubOption func(*Hub)

// WithJoinGuard 设置订阅鉴权
func WithJoinGuard(g JoinGuard) HubOption {
	return func(h *Hub) { h.guard = g }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub 创建新的Hub实例
func NewHub(config *Config, opts ...HubOption) *Hub {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = CloneConfig(config)
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		connections:      make(map[string]*Connection),
		userConnections:  make(map[string]map[string]bool),
		topicConnections: make(map[string]map[string]bool),
		config:           config,
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(hub)
	}

	hub.publishJobs = make([]chan publishJob, config.BroadcastWorkerCount)
	for i := range hub.publishJobs {
		hub.publishJobs[i] = make(chan publishJob, config.MessageQueueSize)
		hub.wg.Add(1)
		go hub.publishWorker(hub.publishJobs[i])
	}

	hub.wg.Add(1)
	go hub.run()
	return hub
}

// run Hub主循环，负责心跳检查
func (h *Hub) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// Register 注册连接
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return errConnectionLimit
	}

	conn.Hub = h
	h.connections[conn.ID] = conn
	n := atomic.AddInt64(&h.connectionCount, 1)

	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]bool)
		}
		h.userConnections[conn.UserID][conn.ID] = true
	}
	h.metrics.SetConnections(int(n))

	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d", conn.ID, conn.UserID, n)
	return nil
}

// Unregister 注销连接，并离开所有已订阅的主题
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, exists := h.connections[conn.ID]; !exists || current != conn {
		return
	}
	delete(h.connections, conn.ID)
	n := atomic.AddInt64(&h.connectionCount, -1)

	if conn.UserID != "" && h.userConnections[conn.UserID] != nil {
		delete(h.userConnections[conn.UserID], conn.ID)
		if len(h.userConnections[conn.UserID]) == 0 {
			delete(h.userConnections, conn.UserID)
		}
	}

	for _, topic := range conn.Topics() {
		h.removeFromTopicLocked(topic, conn.ID)
	}
	conn.clearTopics()
	conn.closeSend()
	h.metrics.SetConnections(int(n))

	logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d", conn.ID, n)
}

// join 订阅主题
func (h *Hub) join(conn *Connection, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.connections[conn.ID]; !ok || current != conn {
		return false
	}
	if h.topicConnections[topic] == nil {
		h.topicConnections[topic] = make(map[string]bool)
	}
	h.topicConnections[topic][conn.ID] = true
	conn.addTopic(topic)
	return true
}

// leave 退订主题
func (h *Hub) leave(conn *Connection, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromTopicLocked(topic, conn.ID)
	conn.removeTopic(topic)
}

func (h *Hub) removeFromTopicLocked(topic, connID string) {
	if members := h.topicConnections[topic]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.topicConnections, topic)
		}
	}
}

// authorize 调用 JoinGuard，未配置时全部放行
func (h *Hub) authorize(userID, topic string) error {
	if h.guard == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return h.guard.CanJoin(ctx, userID, topic)
}

// Publish 向主题发布事件。永不阻塞：队列已满时丢弃并返回 false
func (h *Hub) Publish(topic, event string, data interface{}) bool {
	if h.ctx.Err() != nil {
		return false
	}
	payload, err := json.Marshal(&Message{
		Type:      MessageTypeEvent,
		Topic:     topic,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return false
	}

	select {
	case h.publishJobs[h.workerIndex(topic)] <- publishJob{topic: topic, data: payload}:
		return true
	default:
		h.recordDrop()
		logrus.Warnf("广播作业队列已满，主题 %s 的事件 %s 被丢弃", topic, event)
		return false
	}
}

// publishWorker 广播worker
func (h *Hub) publishWorker(jobs <-chan publishJob) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-jobs:
			h.fanout(job)
		}
	}
}

// fanout 发送给主题内的所有连接
func (h *Hub) fanout(job publishJob) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.topicConnections[job.topic] {
		if conn, ok := h.connections[connID]; ok && conn.Alive() {
			h.trySend(conn, job.data)
		}
	}
}

// trySend 背压策略：发送缓冲区满时丢弃
func (h *Hub) trySend(conn *Connection, data []byte) {
	if conn.enqueue(data) {
		return
	}
	h.recordDrop()
	logrus.Debugf("连接 %s 发送缓冲区满，消息已丢弃", conn.ID)
	if h.config.CloseOnBackpressure {
		conn.close()
	}
}

func (h *Hub) recordDrop() {
	atomic.AddInt64(&h.dropped, 1)
	h.metrics.RecordDroppedMessage()
}

// checkHeartbeats 关闭心跳超时的连接，readPump 随后会注销它们
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		if now.Sub(conn.lastPingAt()) > h.config.ConnectionTimeout {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.markDead()
			conn.close()
		}
	}
}

// workerIndex 计算主题所属的worker
func (h *Hub) workerIndex(topic string) int {
	if len(h.publishJobs) <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(topic))
	return int(hasher.Sum32() % uint32(len(h.publishJobs)))
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// GetTopicSubscribers 获取主题的订阅连接数
func (h *Hub) GetTopicSubscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topicConnections[topic])
}

// Stats Hub 统计
type Stats struct {
	Connections int64 `json:"total_connections"`
	Topics      int   `json:"topics"`
	Dropped     int64 `json:"dropped_messages"`
}

// GetStats 获取统计信息
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	topics := len(h.topicConnections)
	h.mu.RUnlock()
	return Stats{
		Connections: h.GetConnectionCount(),
		Topics:      topics,
		Dropped:     atomic.LoadInt64(&h.dropped),
	}
}

// Running Hub 是否仍在运行
func (h *Hub) Running() bool {
	return h.ctx.Err() == nil
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	for _, conn := range h.connections {
		conn.close()
	}
	h.mu.RUnlock()

	h.wg.Wait()
	logrus.Info("WebSocket Hub已关闭")
}
