package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection 表示一个WebSocket连接
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub

	mu       sync.RWMutex
	lastPing time.Time
	dead     bool
	closed   bool
	topics   map[string]bool
}

// NewConnection 创建连接实例，conn 可以为空（测试或非网络订阅者）
func NewConnection(userID string, conn *websocket.Conn, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultMessageBufferSize
	}
	return &Connection{
		ID:       generateConnectionID(),
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, bufferSize),
		lastPing: time.Now(),
		topics:   make(map[string]bool),
	}
}

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		CheckOrigin:       originChecker(cfg.AllowedOrigins),
		EnableCompression: cfg.EnableCompression,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWebSocket 升级HTTP连接并开始读写
func ServeWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	connection := NewConnection(userID, conn, hub.config.MessageBufferSize)
	if err := hub.Register(connection); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go connection.writePump()
	go connection.readPump()
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	timeout := c.Hub.config.ConnectionTimeout
	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		return c.Conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程
func (c *Connection) writePump() {
	ticker := time.NewTicker(time.Duration(float64(c.Hub.config.HeartbeatInterval) * 0.9))
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每条消息一帧，客户端按帧解析
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		logrus.Errorf("消息解析失败: %v", err)
		c.reply(Message{Type: MessageTypeError, Data: ErrInvalidMessageType})
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		logrus.Warnf("未知的消息类型: %s", msg.Type)
		c.reply(Message{Type: MessageTypeError, Data: ErrInvalidMessageType})
	}
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	c.touch()
	c.reply(Message{Type: MessageTypePong})
}

// handleSubscribe 处理订阅消息
func (c *Connection) handleSubscribe(msg Message) {
	topic := topicOf(msg)
	if topic == "" {
		c.reply(Message{Type: MessageTypeError, Data: ErrInvalidTopic})
		return
	}
	if err := c.Hub.authorize(c.UserID, topic); err != nil {
		logrus.Warnf("用户 %s 订阅主题 %s 被拒绝: %v", c.UserID, topic, err)
		c.reply(Message{Type: MessageTypeError, Topic: topic, Data: ErrJoinForbidden})
		return
	}
	if !c.Hub.join(c, topic) {
		return
	}
	c.reply(Message{Type: MessageTypeSubscribed, Topic: topic})
	logrus.Debugf("用户 %s 订阅主题 %s", c.UserID, topic)
}

// handleUnsubscribe 处理退订消息
func (c *Connection) handleUnsubscribe(msg Message) {
	topic := topicOf(msg)
	if topic == "" {
		c.reply(Message{Type: MessageTypeError, Data: ErrInvalidTopic})
		return
	}
	c.Hub.leave(c, topic)
	c.reply(Message{Type: MessageTypeUnsubscribed, Topic: topic})
}

// topicOf 兼容 {"topic": "..."} 与 {"data": {"topic": "..."}} 两种写法
func topicOf(msg Message) string {
	if msg.Topic != "" {
		return strings.TrimSpace(msg.Topic)
	}
	if m, ok := msg.Data.(map[string]interface{}); ok {
		if s, ok := m["topic"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	if s, ok := msg.Data.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// reply 给当前连接回一条控制消息
func (c *Connection) reply(msg Message) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		logrus.Warnf("连接 %s 发送缓冲区已满", c.ID)
	}
}

// enqueue 非阻塞写入发送缓冲区，连接已关闭或缓冲区满时返回 false
func (c *Connection) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Connection) close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastPingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Connection) markDead() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

// Alive 连接是否存活
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.dead && !c.closed
}

func (c *Connection) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *Connection) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Connection) clearTopics() {
	c.mu.Lock()
	c.topics = make(map[string]bool)
	c.mu.Unlock()
}

// IsSubscribed 检查是否订阅了指定主题
func (c *Connection) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// Topics 获取连接订阅的主题
func (c *Connection) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}
