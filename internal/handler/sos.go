package handlers

import (
	"time"

	"Mamori/internal/emergency"
	"Mamori/internal/models"
	"Mamori/pkg/errors"
	"Mamori/pkg/middleware"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
)

type startSOSRequest struct {
	Mode         *models.SessionMode `json:"mode"`
	Latitude     *float64            `json:"latitude" binding:"required"`
	Longitude    *float64            `json:"longitude" binding:"required"`
	Accuracy     *float64            `json:"accuracy"`
	BatteryLevel *int                `json:"batteryLevel"`
}

type locationRequest struct {
	Latitude     *float64   `json:"latitude" binding:"required"`
	Longitude    *float64   `json:"longitude" binding:"required"`
	Accuracy     *float64   `json:"accuracy"`
	BatteryLevel *int       `json:"batteryLevel"`
	DeviceTime   *time.Time `json:"deviceTime"`
}

type modeRequest struct {
	Mode models.SessionMode `json:"mode" binding:"required"`
}

// bindJSON 绑定失败统一按参数错误返回
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		response.Error(c, errors.Validation("invalid request: %v", err))
		return false
	}
	return true
}

// handleStartSOS 被监护人发起求助；已有进行中的会话时原样返回
func (h *Handlers) handleStartSOS(c *gin.Context) {
	var req startSOSRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.coord.Start(c.Request.Context(), middleware.CurrentUserID(c), emergency.StartRequest{
		Mode:      req.Mode,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  req.Accuracy,
		Battery:   req.BatteryLevel,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if sess.Resumed {
		response.Success(c, "session already active", sess)
		return
	}
	response.Created(c, "session started", sess)
}

func (h *Handlers) handleAppendLocation(c *gin.Context) {
	var req locationRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.coord.AppendLocation(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c), models.LocationPoint{
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
		Accuracy:   req.Accuracy,
		Battery:    req.BatteryLevel,
		DeviceTime: req.DeviceTime,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "location recorded", gin.H{
		"sessionId": sess.ID,
		"mode":      sess.Mode,
		"count":     len(sess.Locations),
	})
}

func (h *Handlers) handleChangeMode(c *gin.Context) {
	var req modeRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.coord.ChangeMode(c.Request.Context(), c.Param("id"), req.Mode, middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "mode changed", sess)
}

func (h *Handlers) handleResolveSOS(c *gin.Context) {
	sess, err := h.coord.Resolve(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "session resolved", sess)
}

func (h *Handlers) handleGetSOSSession(c *gin.Context) {
	sess, err := h.coord.Get(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", sess)
}

// handleGetSOSSettings 缺省 subjectId 时查询调用方自己的设置
func (h *Handlers) handleGetSOSSettings(c *gin.Context) {
	uid := middleware.CurrentUserID(c)
	subjectID := c.DefaultQuery("subjectId", uid)
	setting, err := h.coord.Settings(c.Request.Context(), subjectID, uid)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", setting)
}

type settingsRequest struct {
	DefaultMode models.SessionMode `json:"defaultMode" binding:"required"`
}

func (h *Handlers) handleUpdateSOSSettings(c *gin.Context) {
	var req settingsRequest
	if !bindJSON(c, &req) {
		return
	}
	setting, err := h.coord.UpdateSettings(c.Request.Context(), c.Param("subjectId"), req.DefaultMode, middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "settings updated", setting)
}
