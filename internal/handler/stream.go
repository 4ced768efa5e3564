package handlers

import (
	"Mamori/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// handleStream GET /stream?topic=session:{id}&topic=alerts:{subjectId}
// 供无法保持 websocket 的客户端订阅，主题鉴权与 websocket 相同
func (h *Handlers) handleStream(c *gin.Context) {
	h.opts.Stream.Serve(c, middleware.CurrentUserID(c))
}
