package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"Mamori/pkg/cache"
	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const HeaderIdempotentReplayed = "Idempotent-Replayed"

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 同一个键在该窗口内只执行一次
	Store      cache.Cache
}

// storedResponse 已完成请求的响应快照，重复请求原样回放
type storedResponse struct {
	Done        bool   `json:"done"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware 带 Idempotency-Key 的请求只执行一次：
// 执行中的重复请求返回 409，已完成的重复请求回放首次响应；5xx 不缓存以便重试。
// 键按用户隔离，未带请求头的请求直接放行
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Store == nil {
		cfg.Store = cache.NewGoCache(cache.LocalConfig{DefaultExpiration: cfg.TTL, CleanupInterval: time.Minute})
	}
	store := cfg.Store

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > 128 {
			response.Error(c, errors.Validation("%s too long", cfg.HeaderName))
			return
		}
		cacheKey := "idem:" + CurrentUserID(c) + ":" + c.FullPath() + ":" + key
		ctx := c.Request.Context()

		pending, _ := json.Marshal(storedResponse{})
		ok, err := store.SetNX(ctx, cacheKey, pending, cfg.TTL)
		if err != nil {
			// 存储不可用时不阻断业务
			logger.Warn("idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			replay(c, store, cacheKey)
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		// 请求结束后 ctx 可能已取消，用独立的 ctx 写回
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if status >= http.StatusInternalServerError {
			_ = store.Delete(wctx, cacheKey)
			return
		}
		snapshot, _ := json.Marshal(storedResponse{
			Done:        true,
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		})
		if err := store.Set(wctx, cacheKey, snapshot, cfg.TTL); err != nil {
			logger.Warn("idempotency snapshot failed", zap.Error(err))
		}
	}
}

func replay(c *gin.Context, store cache.Cache, cacheKey string) {
	prev, found, err := cache.GetJSON[storedResponse](c.Request.Context(), store, cacheKey)
	if err != nil || !found || !prev.Done {
		response.Error(c, errors.WithCode(errors.CodeConflict, "request in progress"))
		return
	}
	c.Header(HeaderIdempotentReplayed, "true")
	contentType := prev.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(prev.Status, contentType, prev.Body)
	c.Abort()
}
