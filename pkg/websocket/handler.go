package websocket

import (
	"net/http"
	"time"

	constants "Mamori/pkg/constant"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handler WebSocket HTTP处理器
type Handler struct {
	hub *Hub
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes 统一注册路由，auth 为身份认证中间件
func RegisterRoutes(r gin.IRouter, handler *Handler, auth ...gin.HandlerFunc) {
	ws := append(append([]gin.HandlerFunc{}, auth...), handler.HandleWebSocket)
	r.GET(RouteWebSocket, ws...)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleWebSocket 处理WebSocket连接请求
func (h *Handler) HandleWebSocket(c *gin.Context) {
	// 用户ID由认证中间件写入
	userID := c.GetString(constants.UserField)
	if userID == "" {
		logrus.Warn("未认证的WebSocket连接请求")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated})
		return
	}

	ServeWebSocket(h.hub, c.Writer, c.Request, userID)
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := h.hub.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"total_connections":  stats.Connections,
		"topics":             stats.Topics,
		"dropped_messages":   stats.Dropped,
		"max_connections":    h.hub.config.MaxConnections,
		"heartbeat_interval": h.hub.config.HeartbeatInterval.String(),
		"connection_timeout": h.hub.config.ConnectionTimeout.String(),
		"send_buffer":        h.hub.config.MessageBufferSize,
		"broadcast_workers":  h.hub.config.BroadcastWorkerCount,
	})
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if !h.hub.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "hub closed",
		})
		return
	}

	total := h.hub.GetConnectionCount()
	maxConns := h.hub.config.MaxConnections

	status := "healthy"
	if total >= maxConns*9/10 {
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": total,
		"max_connections":   maxConns,
		"connection_usage":  float64(total) / float64(maxConns) * 100,
		"hub_running":       true,
		"timestamp":         time.Now().Unix(),
	})
}
