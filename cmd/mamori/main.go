package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Mamori/internal/emergency"
	"Mamori/internal/events"
	handlers "Mamori/internal/handler"
	"Mamori/internal/models"
	"Mamori/internal/notify"
	"Mamori/internal/realtime"
	"Mamori/internal/store"
	"Mamori/internal/tasks"
	"Mamori/pkg/analysis"
	"Mamori/pkg/backup"
	"Mamori/pkg/cache"
	"Mamori/pkg/config"
	"Mamori/pkg/i18n"
	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"
	"Mamori/pkg/middleware"
	"Mamori/pkg/notification"
	"Mamori/pkg/resilience"
	"Mamori/pkg/risk"
	"Mamori/pkg/scheduler"
	"Mamori/pkg/sse"
	"Mamori/pkg/util"
	"Mamori/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}

	if err := run(cfg); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	// 1. 数据库
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN, util.DBOptions{
		MaxOpenConns: 20,
		MaxIdleConns: 5,
		MaxLifetime:  time.Hour,
	})
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return err
	}

	// 2. 缓存与限流存储
	kv, limiterStore, err := buildCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer kv.Close()
	st := store.New(db, kv)

	// 3. 异步任务与推送
	pool := tasks.NewPool(tasks.Config{
		Workers: cfg.Tasks.Workers,
		Queue:   cfg.Tasks.Queue,
		Timeout: cfg.Tasks.Timeout,
	}, m)
	i18nSupport, err := i18n.NewI18nSupport(cfg.Language)
	if err != nil {
		return err
	}
	dispatcher := notification.NewDispatcher(pushProvider(cfg.Push),
		notification.WithTokenRegistry(st, pool),
		notification.WithMetrics(m))
	notifier := notify.NewGuardianNotifier(st, dispatcher, notification.NewTemplates(i18nSupport), cfg.Language)

	// 4. 实时通道：websocket 为主，SSE 兜底
	joinGuard := realtime.NewJoinGuard(st, st)
	hub := websocket.NewHub(hubConfig(cfg.WS),
		websocket.WithJoinGuard(joinGuard),
		websocket.WithMetrics(m))
	stream := sse.NewHub(joinGuard, sse.WithPingInterval(cfg.WS.HeartbeatInterval), sse.WithBuffer(cfg.WS.SendBuffer))
	broadcaster := realtime.NewBroadcaster(hub, stream)

	// 5. 领域服务
	analyzer, breakers := buildAnalyzer(cfg, m)
	coord := emergency.NewCoordinator(st, st, st, st, broadcaster, notifier, pool, emergency.WithMetrics(m))
	svc := events.NewService(events.Deps{
		Store:      st,
		Auth:       st,
		Blocklist:  st,
		Publisher:  broadcaster,
		Notifier:   notifier,
		Tasks:      pool,
		Analyzer:   analyzer,
		Classifier: risk.New(risk.WithHomePrefix(cfg.HomePrefix)),
		Metrics:    m,
	})

	// 6. 周期任务
	cr := scheduler.NewCron(time.Local)
	if _, err := cr.AddWithCtx("@every 30s", func(ctx context.Context) { m.CollectSystem(ctx) }); err != nil {
		return err
	}
	if cfg.Backup.Schedule != "" {
		if err := backup.New(db, cfg.DBDriver, cfg.Backup.Dir, cfg.Backup.Keep).Schedule(cr, cfg.Backup.Schedule); err != nil {
			return err
		}
	}
	cr.Start()
	defer cr.Stop()

	// 7. HTTP
	gin.SetMode(cfg.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if _, err := limiter.NewRateFromFormatted(cfg.RateLimit); err != nil {
		return err
	}
	handlers.NewHandlers(st, coord, svc, hub, m, handlers.Options{
		APIPrefix:      cfg.APIPrefix,
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      middleware.RateLimiterConfig{Rate: cfg.RateLimit, Identifier: "user", AddHeaders: true},
		LimiterStore:   limiterStore,
		Idempotency:    kv,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
		I18n:           i18nSupport,
		Stream:         stream,
	}, breakers...).Register(engine)

	srv := &http.Server{Addr: cfg.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	// SSE 长连接不会自行结束，Shutdown 开始时先关闭
	srv.RegisterOnShutdown(stream.Close)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("mamori listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	hub.Close()

	// 排空使用独立的期限，不受 HTTP 关闭耗时影响
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelDrain()
	if err := pool.Close(drainCtx); err != nil {
		logger.Warn("task pool did not drain", zap.Int("pending", pool.Pending()), zap.Error(err))
	}
	return nil
}

// buildCache redis 后端同时承担限流计数，本地后端时限流使用内存存储
func buildCache(cfg config.CacheConfig) (cache.Cache, limiter.Store, error) {
	if cfg.Backend != "redis" {
		kv, err := cache.NewCache(cache.Config{
			Type:  "local",
			Local: cache.LocalConfig{DefaultExpiration: cfg.DefaultTTL, CleanupInterval: time.Minute},
		})
		return kv, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, err
	}
	limiterStore, err := middleware.NewRedisLimiterStore(client)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisCacheFromClient(client, "mamori:"), limiterStore, nil
}

func pushProvider(cfg config.PushConfig) notification.Provider {
	if cfg.Provider != "jpush" {
		return notification.LogProvider{}
	}
	jc := notification.JPushConfig{
		AppKey:       cfg.AppKey,
		MasterSecret: cfg.MasterSecret,
		Production:   cfg.Production,
	}
	return notification.NewJPush(jc, notification.NewJPushHTTPClient(jc, &http.Client{Timeout: 10 * time.Second}))
}

func hubConfig(cfg config.WSConfig) *websocket.Config {
	c := websocket.DefaultConfig()
	if cfg.MaxConnections > 0 {
		c.MaxConnections = int64(cfg.MaxConnections)
	}
	if cfg.SendBuffer > 0 {
		c.MessageBufferSize = cfg.SendBuffer
	}
	if cfg.BroadcastWorkers > 0 {
		c.BroadcastWorkerCount = cfg.BroadcastWorkers
	}
	if cfg.HeartbeatInterval > 0 {
		c.HeartbeatInterval = cfg.HeartbeatInterval
		c.ConnectionTimeout = 2 * cfg.HeartbeatInterval
	}
	c.AllowedOrigins = cfg.AllowedOrigins
	return c
}

// buildAnalyzer 外部评分服务统一包上熔断与重试
func buildAnalyzer(cfg *config.Config, m *metrics.Metrics) (analysis.Analyzer, []*resilience.Breaker) {
	var inner analysis.Analyzer
	switch cfg.Analyzer.Kind {
	case "none":
		return analysis.Disabled{}, nil
	case "openai":
		inner = analysis.NewOpenAIAnalyzer(cfg.Analyzer.APIKey, cfg.Analyzer.LLMBaseURL, cfg.Analyzer.Model,
			&http.Client{Timeout: cfg.Analyzer.SummaryTimeout})
	default:
		inner = analysis.NewHTTPAnalyzer(strings.TrimRight(cfg.Analyzer.BaseURL, "/"),
			analysis.WithTimeouts(cfg.Analyzer.Timeout, cfg.Analyzer.SummaryTimeout),
			analysis.WithLogger(logrus.StandardLogger()))
	}

	breaker := resilience.NewBreaker("analysis-"+cfg.Analyzer.Kind, resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			m.SetBreakerState(name, int(to), to.String())
		},
	})
	m.SetBreakerState(breaker.Name(), int(resilience.StateClosed), resilience.StateClosed.String())
	guard := resilience.NewGuard(breaker, resilience.RetryConfig{
		MaxRetries: cfg.Breaker.MaxRetries,
		BaseDelay:  cfg.Breaker.BaseDelay,
		MaxDelay:   cfg.Breaker.MaxDelay,
	}, cfg.Breaker.AttemptTimeout)
	return analysis.NewGuarded(inner, guard, m), []*resilience.Breaker{breaker}
}
