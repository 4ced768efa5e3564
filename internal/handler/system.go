package handlers

import (
	"context"
	"net/http"
	"time"

	"Mamori/pkg/logger"
	"Mamori/pkg/resilience"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	breakers := make([]resilience.Snapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		breakers = append(breakers, b.Snapshot())
	}
	body := gin.H{"breakers": breakers}
	if h.hub != nil {
		body["connections"] = h.hub.GetConnectionCount()
	}

	// 检查数据库连接
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logger.Warn("health check: database ping failed", zap.Error(err))
		body["status"] = "unhealthy"
		body["error"] = "database ping failed"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	// 熔断打开时分析降级，服务本身仍可用
	body["status"] = "healthy"
	for _, b := range breakers {
		if b.State != resilience.StateClosed.String() {
			body["status"] = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, body)
}
