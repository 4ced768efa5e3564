package websocket

// WebSocket消息类型常量
const (
	// 客户端 -> 服务端
	MessageTypePing        = "ping"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"

	// 服务端 -> 客户端
	MessageTypePong         = "pong"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeEvent        = "event"
	MessageTypeError        = "error"

	// 默认配置值
	DefaultMaxConnections    = 10000
	DefaultMessageBufferSize = 256
	DefaultMessageQueueSize  = 1024
	DefaultReadBufferSize    = 1024
	DefaultWriteBufferSize   = 1024
	DefaultMaxMessageSize    = 4096
	DefaultBroadcastWorkers  = 4

	// 错误消息
	ErrConnectionLimitExceeded = "connection limit exceeded"
	ErrInvalidMessageType      = "invalid message type"
	ErrInvalidTopic            = "invalid topic"
	ErrJoinForbidden           = "forbidden"
	ErrUnauthenticated         = "unauthenticated"

	// 路由路径
	RouteWebSocket       = "/ws"
	RouteWebSocketStats  = "/ws/stats"
	RouteWebSocketHealth = "/ws/health"
)
