package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mamori"

// Metrics 指标管理器，nil 接收者上的所有记录方法都是空操作
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 熔断器
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// 业务指标
	eventsTotal      *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	locationUpdates  prometheus.Counter
	analysisTotal    *prometheus.CounterVec
	notificationsSum *prometheus.CounterVec
	outboxTotal      *prometheus.CounterVec

	// 异步任务
	tasksTotal     *prometheus.CounterVec
	taskQueueDepth prometheus.Gauge

	// 实时通道
	wsConnections prometheus.Gauge
	wsDropped     prometheus.Counter

	// 系统指标
	systemMemoryUsage *prometheus.GaugeVec
	systemCPUUsage    prometheus.Gauge
	processRSS        prometheus.Gauge
}

// NewMetrics 在独立 registry 上注册全部指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "to"}),

		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_events_total",
			Help:      "Safety events created",
		}, []string{"type", "severity"}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_sessions_total",
			Help:      "Emergency session lifecycle operations",
		}, []string{"action"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_sessions_active",
			Help:      "Emergency sessions started minus resolved since process start",
		}),
		locationUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_location_updates_total",
			Help:      "Location points appended to active sessions",
		}),
		analysisTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_requests_total",
			Help:      "Analysis oracle calls by outcome",
		}, []string{"kind", "result"}),
		notificationsSum: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push deliveries by result",
		}, []string{"priority", "result"}),
		outboxTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_entries_total",
			Help:      "Outbox flush outcomes",
		}, []string{"result"}),

		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Async side-effect tasks by result",
		}, []string{"task", "result"}),
		taskQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting for a worker",
		}),

		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open realtime connections",
		}),
		wsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_dropped_messages_total",
			Help:      "Messages dropped because a connection buffer was full",
		}),

		systemMemoryUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_usage_bytes",
			Help:      "System memory usage in bytes",
		}, []string{"type"}),
		systemCPUUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_usage_percent",
			Help:      "System CPU usage percentage",
		}),
		processRSS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size reported by gopsutil",
		}),
	}
}

// Handler /metrics 暴露端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetBreakerState 记录熔断器状态，state 取值与 resilience.State 一致
func (m *Metrics) SetBreakerState(name string, state int, label string) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
	m.breakerTransitions.WithLabelValues(name, label).Inc()
}

func (m *Metrics) RecordEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, severity).Inc()
}

// RecordSession action: started | resumed | resolved | mode_changed
func (m *Metrics) RecordSession(action string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(action).Inc()
	switch action {
	case "started":
		m.activeSessions.Inc()
	case "resolved":
		m.activeSessions.Dec()
	}
}

func (m *Metrics) RecordLocation() {
	if m == nil {
		return
	}
	m.locationUpdates.Inc()
}

func (m *Metrics) RecordAnalysis(kind, result string) {
	if m == nil {
		return
	}
	m.analysisTotal.WithLabelValues(kind, result).Add(1)
}

func (m *Metrics) RecordNotification(priority string, sent, failed, invalidated int) {
	if m == nil {
		return
	}
	m.notificationsSum.WithLabelValues(priority, "sent").Add(float64(sent))
	m.notificationsSum.WithLabelValues(priority, "failed").Add(float64(failed))
	m.notificationsSum.WithLabelValues(priority, "invalidated").Add(float64(invalidated))
}

func (m *Metrics) RecordOutbox(sent, failed, dropped int) {
	if m == nil {
		return
	}
	m.outboxTotal.WithLabelValues("sent").Add(float64(sent))
	m.outboxTotal.WithLabelValues("failed").Add(float64(failed))
	m.outboxTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// RecordTask result: ok | failed | panic | dropped
func (m *Metrics) RecordTask(task, result string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(task, result).Inc()
}

func (m *Metrics) SetTaskQueueDepth(n int) {
	if m == nil {
		return
	}
	m.taskQueueDepth.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.wsConnections.Set(float64(n))
}

func (m *Metrics) RecordDroppedMessage() {
	if m == nil {
		return
	}
	m.wsDropped.Inc()
}
