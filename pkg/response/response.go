package response

import (
	"net/http"

	"Mamori/pkg/errors"
	"Mamori/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Body 统一响应体
type Body struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func Success(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, Body{Code: 0, Msg: msg, Data: data})
}

func Created(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusCreated, Body{Code: 0, Msg: msg, Data: data})
}

// Fail 参数错误类响应
func Fail(c *gin.Context, msg string, data any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Body{Code: errors.CodeValidation, Msg: msg, Data: data})
}

// Error 按错误分类输出状态码，内部错误只记日志不外泄
func Error(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	code := errors.CodeOf(err)
	if code == errors.CodeInternal {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
			zap.String("stack", errors.GetStack(err)))
	}
	c.AbortWithStatusJSON(status, Body{Code: code, Msg: errors.PublicMessage(err), Data: nil})
}
