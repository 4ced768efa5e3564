package handlers

import (
	"Mamori/pkg/middleware"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
)

type voiceAnalyzeRequest struct {
	Transcript string `json:"transcript" binding:"required"`
}

type quickCheckRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleVoiceAnalyze 语音助手同步分析，评分服务不可用时仍返回 200 与降级结果
func (h *Handlers) handleVoiceAnalyze(c *gin.Context) {
	var req voiceAnalyzeRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.events.VoiceAnalyze(c.Request.Context(), middleware.CurrentUserID(c), req.Transcript)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", res)
}

func (h *Handlers) handleQuickCheck(c *gin.Context) {
	var req quickCheckRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.events.QuickCheck(c.Request.Context(), req.Text)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", res)
}
