package scheduler

import (
	"context"
	"sync"
	"time"

	"Mamori/pkg/logger"

	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 基于 ticker 的轻量调度器，Stop 会等待所有循环退出
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Scheduler {
	return NewWithContext(context.Background())
}

func NewWithContext(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{ctx: ctx, cancel: cancel}
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Every 每隔 d 执行一次；immediate 为 true 时启动后立即先执行一次
func (s *Scheduler) Every(name string, d time.Duration, immediate bool, job Job) {
	s.wg.Add(1)
	go s.loopEvery(name, d, immediate, job)
}

func (s *Scheduler) DailyAt(name string, hh, mm int, job Job) {
	s.wg.Add(1)
	go s.loopDaily(name, hh, mm, job)
}

func (s *Scheduler) OnceAfter(name string, d time.Duration, job Job) {
	s.wg.Add(1)
	go s.onceAfter(name, d, job)
}

func (s *Scheduler) loopEvery(name string, d time.Duration, immediate bool, job Job) {
	defer s.wg.Done()
	if immediate {
		s.run(name, job)
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.run(name, job)
		}
	}
}

func (s *Scheduler) loopDaily(name string, hh, mm int, job Job) {
	defer s.wg.Done()
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		t := time.NewTimer(next.Sub(now))
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
			s.run(name, job)
		}
	}
}

func (s *Scheduler) onceAfter(name string, d time.Duration, job Job) {
	defer s.wg.Done()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-t.C:
		s.run(name, job)
	}
}

// run 单次执行，panic 只影响本次
func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	job.Run(s.ctx)
}
