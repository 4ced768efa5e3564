package handlers

import (
	"time"

	"Mamori/internal/emergency"
	"Mamori/internal/events"
	"Mamori/internal/store"
	"Mamori/pkg/cache"
	"Mamori/pkg/i18n"
	"Mamori/pkg/metrics"
	"Mamori/pkg/middleware"
	"Mamori/pkg/resilience"
	"Mamori/pkg/sse"
	"Mamori/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
)

// Options 路由层配置
type Options struct {
	APIPrefix      string
	JWTSecret      string
	RateLimit      middleware.RateLimiterConfig
	LimiterStore   limiter.Store
	Idempotency    cache.Cache
	IdempotencyTTL time.Duration
	I18n           *i18n.I18nSupport
	// Stream 可选的 SSE 通道，与 websocket 共享主题与鉴权
	Stream *sse.Hub
}

type Handlers struct {
	store    *store.Store
	coord    *emergency.Coordinator
	events   *events.Service
	hub      *websocket.Hub
	metrics  *metrics.Metrics
	breakers []*resilience.Breaker
	opts     Options
}

func NewHandlers(s *store.Store, coord *emergency.Coordinator, ev *events.Service, hub *websocket.Hub,
	m *metrics.Metrics, opts Options, breakers ...*resilience.Breaker) *Handlers {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}
	return &Handlers{
		store:    s,
		coord:    coord,
		events:   ev,
		hub:      hub,
		metrics:  m,
		breakers: breakers,
		opts:     opts,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	if h.metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	r := engine.Group(h.opts.APIPrefix)
	r.Use(middleware.RequestLogMiddleware())
	if h.metrics != nil {
		r.Use(metrics.MonitorMiddleware(h.metrics))
	}
	if h.opts.I18n != nil {
		r.Use(middleware.LanguageMiddleware(h.opts.I18n))
	}

	// Register System Module Routes
	h.registerSystemRoutes(r)

	auth := middleware.AuthMiddleware(h.opts.JWTSecret)
	if h.hub != nil {
		websocket.RegisterRoutes(r, websocket.NewHandler(h.hub), auth)
	}

	limiterMW := h.rateLimiter()
	authed := r.Group("", auth)

	// Register Business Module Routes
	h.registerSOSRoutes(authed, limiterMW)
	h.registerEventRoutes(authed, limiterMW)
	h.registerAIRoutes(authed, limiterMW)
	h.registerDeviceRoutes(authed, limiterMW)
	if h.opts.Stream != nil {
		authed.GET("/stream", h.handleStream)
	}
}

func (h *Handlers) rateLimiter() gin.HandlerFunc {
	cfg := h.opts.RateLimit
	if cfg.Rate == "" {
		cfg.Rate = "120-M"
	}
	l := middleware.NewRateLimiter(cfg, h.opts.LimiterStore)
	if h.metrics != nil {
		l = l.WithObserver(middleware.NewPrometheusObserver(h.metrics.Registry()))
	}
	return l.Middleware()
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.GET("/health", h.HealthCheck)
	}
}

// SOS Module
func (h *Handlers) registerSOSRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	sos := r.Group("sos")
	{
		sos.POST("/start", limit, h.handleStartSOS)

		// settings
		sos.GET("/settings", h.handleGetSOSSettings)

		sos.PUT("/settings/:subjectId", limit, h.handleUpdateSOSSettings)

		// session
		sos.GET("/:id", h.handleGetSOSSession)

		sos.POST("/:id/location", limit, h.handleAppendLocation)

		sos.PUT("/:id/mode", limit, h.handleChangeMode)

		sos.POST("/:id/resolve", limit, h.handleResolveSOS)
	}
}

func (h *Handlers) registerEventRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	idempotent := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
		TTL:   h.opts.IdempotencyTTL,
		Store: h.opts.Idempotency,
	})
	ev := r.Group("events")
	{
		ev.POST("", limit, idempotent, h.handleCreateEvent)

		ev.GET("", h.handleListEvents)

		ev.GET("/:id", h.handleGetEvent)

		ev.POST("/:id/acknowledge", limit, h.handleAcknowledgeEvent)

		ev.POST("/:id/resolve", limit, h.handleResolveEvent)

		ev.POST("/:id/escalate", limit, h.handleEscalateEvent)
	}
}

func (h *Handlers) registerAIRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	ai := r.Group("ai")
	{
		ai.POST("/voice-analyze", limit, h.handleVoiceAnalyze)

		ai.POST("/quick-check", limit, h.handleQuickCheck)
	}
}

func (h *Handlers) registerDeviceRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	devices := r.Group("devices")
	{
		devices.POST("/token", limit, h.handleRegisterDeviceToken)

		devices.DELETE("/token", h.handleDeleteDeviceToken)
	}
}
