package outbox

import (
	"context"
	"time"

	"Mamori/pkg/logger"
	"Mamori/pkg/scheduler"

	"go.uber.org/zap"
)

// AutoFlush 在调度器上注册周期性 Flush；调度器 Stop 时正在进行的等待会被取消
func (o *Outbox) AutoFlush(s *scheduler.Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.Every("outbox-flush", interval, true, scheduler.FuncJob(func(ctx context.Context) {
		if _, err := o.Flush(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("outbox auto flush failed", zap.Error(err))
		}
	}))
}
