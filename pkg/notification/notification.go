package notification

import (
	"context"
	"errors"
)

// Priority 推送优先级
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// ErrInvalidToken 推送服务报告设备令牌已失效
var ErrInvalidToken = errors.New("device token no longer valid")

// Message 一条推送
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority Priority          `json:"priority"`
}

// Target 推送目标，UserID 用于失效时清除令牌
type Target struct {
	UserID string
	Token  string
}

// DeliveryHints 平台相关的投递参数
type DeliveryHints struct {
	ChannelID         string `json:"channelId"`
	Sound             string `json:"sound"`
	InterruptionLevel string `json:"interruptionLevel"`
	// Critical 允许绕过勿扰模式
	Critical bool `json:"critical"`
}

// PushRequest 交给 Provider 的单设备请求
type PushRequest struct {
	Token   string
	Message Message
	Hints   DeliveryHints
}

// Provider 推送服务
type Provider interface {
	Name() string
	Send(ctx context.Context, req PushRequest) error
}

// TokenRegistry 设备令牌存储，由用户模块实现
type TokenRegistry interface {
	ClearToken(ctx context.Context, userID, token string) error
}

// Submitter 异步执行副作用，返回 false 表示队列已满被丢弃
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// PriorityMap 优先级到投递参数的映射
type PriorityMap map[Priority]DeliveryHints

func DefaultPriorityMap() PriorityMap {
	return PriorityMap{
		PriorityCritical: {ChannelID: "emergency", Sound: "alarm.mp3", InterruptionLevel: "critical", Critical: true},
		PriorityHigh:     {ChannelID: "alerts", Sound: "default", InterruptionLevel: "time-sensitive"},
		PriorityNormal:   {ChannelID: "alerts", Sound: "default", InterruptionLevel: "active"},
	}
}

// Hints 未配置的优先级按 normal 处理
func (m PriorityMap) Hints(p Priority) DeliveryHints {
	if h, ok := m[p]; ok {
		return h
	}
	return m[PriorityNormal]
}

// Report 一次群发的结果
type Report struct {
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Invalidated int `json:"invalidated"`
}
