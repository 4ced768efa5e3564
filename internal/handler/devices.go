package handlers

import (
	"Mamori/pkg/errors"
	"Mamori/pkg/middleware"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
)

type deviceTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

// handleRegisterDeviceToken 推送令牌归属调用方，换机登录时令牌转移给新用户
func (h *Handlers) handleRegisterDeviceToken(c *gin.Context) {
	var req deviceTokenRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Platform == "" {
		req.Platform = "unknown"
	}
	if err := h.store.RegisterToken(c.Request.Context(), middleware.CurrentUserID(c), req.Token, req.Platform); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "device token registered", nil)
}

func (h *Handlers) handleDeleteDeviceToken(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, errors.Validation("token is required"))
		return
	}
	if err := h.store.ClearToken(c.Request.Context(), middleware.CurrentUserID(c), token); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "device token removed", nil)
}
