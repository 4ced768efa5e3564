package notification

import (
	"context"

	"Mamori/pkg/logger"

	"go.uber.org/zap"
)

// LogProvider 未配置推送凭证时的开发模式，只写日志
type LogProvider struct{}

func (LogProvider) Name() string { return "log" }

func (LogProvider) Send(ctx context.Context, req PushRequest) error {
	logger.Debug("[DEV] push",
		zap.String("token", maskToken(req.Token)),
		zap.String("title", req.Message.Title),
		zap.String("body", req.Message.Body),
		zap.Any("data", req.Message.Data),
		zap.String("channel", req.Hints.ChannelID))
	return nil
}
