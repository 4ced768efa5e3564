package handlers

import (
	"Mamori/internal/events"
	"Mamori/pkg/middleware"
	"Mamori/pkg/response"
	"Mamori/pkg/risk"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// handleCreateEvent 设备上报安全事件，调用方即被监护人
func (h *Handlers) handleCreateEvent(c *gin.Context) {
	var req events.CreateRequest
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.events.Create(c.Request.Context(), middleware.CurrentUserID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "event created", e)
}

func (h *Handlers) handleGetEvent(c *gin.Context) {
	e, err := h.events.Get(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", e)
}

// handleListEvents GET /events?subjectId=&page=&limit=
func (h *Handlers) handleListEvents(c *gin.Context) {
	uid := middleware.CurrentUserID(c)
	page, err := h.events.ListBySubject(c.Request.Context(),
		c.DefaultQuery("subjectId", uid),
		uid,
		cast.ToInt(c.Query("page")),
		cast.ToInt(c.Query("limit")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", page)
}

func (h *Handlers) handleAcknowledgeEvent(c *gin.Context) {
	e, err := h.events.Acknowledge(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "event acknowledged", e)
}

func (h *Handlers) handleResolveEvent(c *gin.Context) {
	e, err := h.events.Resolve(c.Request.Context(), c.Param("id"), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "event resolved", e)
}

type escalateRequest struct {
	Severity risk.Severity `json:"severity" binding:"required"`
}

func (h *Handlers) handleEscalateEvent(c *gin.Context) {
	var req escalateRequest
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.events.Escalate(c.Request.Context(), c.Param("id"), req.Severity, middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "event severity updated", e)
}
